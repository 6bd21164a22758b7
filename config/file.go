package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile reads a key = value config file. A missing file yields no values.
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		values[key] = value
	}
	return values, scanner.Err()
}

// ApplyFileConfig applies file values to cfg.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets one config value by key. Unknown keys are ignored.
func setConfigValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(strings.ToLower(value))
	case "datadir":
		cfg.DataDir = value

	// Chain
	case "chain.rpc":
		cfg.Chain.RPCURL = value
	case "chain.id":
		cfg.Chain.ChainID, err = strconv.ParseUint(value, 10, 64)
	case "chain.contract":
		cfg.Chain.MiningContract = value
	case "chain.token":
		cfg.Chain.TokenContract = value
	case "chain.read_timeout":
		cfg.Chain.ReadTimeout, err = time.ParseDuration(value)

	// Mining
	case "mining.workers":
		cfg.Mining.Workers, err = strconv.Atoi(value)
	case "mining.batch":
		cfg.Mining.BatchSize, err = strconv.Atoi(value)
	case "mining.slice":
		cfg.Mining.SearchSlice, err = time.ParseDuration(value)
	case "mining.poll":
		cfg.Mining.PollInterval, err = time.ParseDuration(value)
	case "mining.min_round":
		cfg.Mining.MinRoundDuration, err = time.ParseDuration(value)
	case "mining.tx_buffer":
		cfg.Mining.TxBuffer, err = time.ParseDuration(value)
	case "mining.end_round_wait":
		cfg.Mining.EndRoundWait, err = time.ParseDuration(value)
	case "mining.drift_correction":
		cfg.Mining.DriftCorrection = parseBool(value)
	case "mining.max_errors":
		cfg.Mining.MaxErrors, err = strconv.Atoi(value)
	case "mining.reward_poll":
		cfg.Mining.RewardPoll, err = time.ParseDuration(value)

	// Transactions
	case "tx.confirmations":
		cfg.Tx.Confirmations, err = strconv.ParseUint(value, 10, 64)
	case "tx.gas_multiplier":
		cfg.Tx.GasMultiplier, err = strconv.ParseFloat(value, 64)
	case "tx.submit_gas":
		cfg.Tx.SubmitGas, err = strconv.ParseUint(value, 10, 64)
	case "tx.end_round_gas":
		cfg.Tx.EndRoundGas, err = strconv.ParseUint(value, 10, 64)
	case "tx.retry_attempts":
		cfg.Tx.RetryAttempts, err = strconv.Atoi(value)
	case "tx.retry_backoff":
		cfg.Tx.RetryBackoff, err = time.ParseDuration(value)
	case "tx.confirm_poll":
		cfg.Tx.ConfirmPoll, err = time.ParseDuration(value)

	// Session key
	case "session.enabled", "session":
		cfg.Session.Enabled = parseBool(value)
	case "session.duration":
		cfg.Session.Duration, err = time.ParseDuration(value)
	case "session.renew_margin":
		cfg.Session.RenewMargin, err = time.ParseDuration(value)
	case "session.fund_ops":
		cfg.Session.FundOperations, err = strconv.ParseUint(value, 10, 64)
	case "session.gas_per_op":
		cfg.Session.GasPerOperation, err = strconv.ParseUint(value, 10, 64)
	case "session.sweep_margin":
		cfg.Session.SweepMargin, err = strconv.ParseFloat(value, 64)

	// Wallet
	case "wallet.keyfile":
		cfg.Wallet.KeyFile = value
	case "wallet.mnemonic_env":
		cfg.Wallet.MnemonicEnv = value
	case "wallet.account":
		var n uint64
		n, err = strconv.ParseUint(value, 10, 32)
		cfg.Wallet.Account = uint32(n)
	case "wallet.confirm":
		cfg.Wallet.Confirm = parseBool(value)

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	// Telemetry
	case "telemetry.kafka_brokers":
		cfg.Telemetry.KafkaBrokers = parseStringList(value)
	case "telemetry.kafka_topic":
		cfg.Telemetry.KafkaTopic = value
	case "telemetry.influx_url":
		cfg.Telemetry.InfluxURL = value
	case "telemetry.influx_token":
		cfg.Telemetry.InfluxToken = value
	case "telemetry.influx_org":
		cfg.Telemetry.InfluxOrg = value
	case "telemetry.influx_bucket":
		cfg.Telemetry.InfluxBucket = value
	}
	return err
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a commented default config file.
func WriteDefaultConfig(path string, network NetworkType) error {
	d := Default(network)
	content := `# KlingMiner configuration
#
# Values here override the network defaults; command-line flags override
# this file.

# Network: mainnet or testnet
network = ` + string(network) + `

# ============================================================================
# Chain
# ============================================================================

chain.rpc = ` + d.Chain.RPCURL + `
# Expected chain id (0 accepts whatever the endpoint reports)
# chain.id = 0

# Mining contract address (required)
# chain.contract = 0x...

# Reward token address (optional, enables reward events)
# chain.token = 0x...

# chain.read_timeout = ` + d.Chain.ReadTimeout.String() + `

# ============================================================================
# Mining
# ============================================================================

mining.workers = ` + strconv.Itoa(d.Mining.Workers) + `
# mining.batch = ` + strconv.Itoa(d.Mining.BatchSize) + `
# mining.slice = ` + d.Mining.SearchSlice.String() + `
# mining.poll = ` + d.Mining.PollInterval.String() + `

# Minimum round duration override (0 reads it from the contract)
# mining.min_round = 0s
# mining.tx_buffer = ` + d.Mining.TxBuffer.String() + `
# mining.end_round_wait = ` + d.Mining.EndRoundWait.String() + `
# mining.drift_correction = true

# Stop after this many consecutive transient errors (0 = never)
# mining.max_errors = 0

# ============================================================================
# Transactions
# ============================================================================

tx.confirmations = ` + strconv.FormatUint(d.Tx.Confirmations, 10) + `
# tx.gas_multiplier = ` + strconv.FormatFloat(d.Tx.GasMultiplier, 'f', -1, 64) + `
# tx.retry_attempts = ` + strconv.Itoa(d.Tx.RetryAttempts) + `
# tx.retry_backoff = ` + d.Tx.RetryBackoff.String() + `

# ============================================================================
# Session key
# ============================================================================

session.enabled = true
# session.duration = ` + d.Session.Duration.String() + `
# session.fund_ops = ` + strconv.FormatUint(d.Session.FundOperations, 10) + `
# session.sweep_margin = ` + strconv.FormatFloat(d.Session.SweepMargin, 'f', -1, 64) + `

# ============================================================================
# Wallet
# ============================================================================

# Encrypted key file (default: <datadir>/<network>/primary.key)
# wallet.keyfile =

# Environment variable holding a BIP-39 mnemonic (wins over the key file)
# wallet.mnemonic_env = ` + d.Wallet.MnemonicEnv + `
# wallet.account = 0

# Ask before every signature by the primary key
# wallet.confirm = false

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false

# ============================================================================
# Telemetry (optional)
# ============================================================================

# telemetry.kafka_brokers = localhost:9092
# telemetry.kafka_topic = ` + d.Telemetry.KafkaTopic + `
# telemetry.influx_url = http://localhost:8086
# telemetry.influx_token =
# telemetry.influx_org =
# telemetry.influx_bucket =
`
	return os.WriteFile(path, []byte(content), 0644)
}
