package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNoContract is returned by RequireContract when no mining contract is
// configured.
var ErrNoContract = errors.New("chain.contract is not set")

// Validate checks the config for operator mistakes. The mining contract may
// be empty here; commands that talk to it call RequireContract.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}

	u, err := url.Parse(cfg.Chain.RPCURL)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("chain.rpc %q is not a URL", cfg.Chain.RPCURL)
	}
	if err := validateAddress("chain.contract", cfg.Chain.MiningContract); err != nil {
		return err
	}
	if err := validateAddress("chain.token", cfg.Chain.TokenContract); err != nil {
		return err
	}
	if cfg.Chain.ReadTimeout <= 0 {
		return fmt.Errorf("chain.read_timeout must be positive")
	}

	m := cfg.Mining
	if m.Workers < 0 || m.BatchSize < 0 {
		return fmt.Errorf("mining.workers and mining.batch must not be negative")
	}
	if m.SearchSlice <= 0 || m.PollInterval <= 0 {
		return fmt.Errorf("mining.slice and mining.poll must be positive")
	}
	if m.MinRoundDuration < 0 || m.TxBuffer < 0 || m.EndRoundWait < 0 {
		return fmt.Errorf("mining round policy durations must not be negative")
	}
	if m.MinRoundDuration > 0 && m.TxBuffer >= m.MinRoundDuration {
		return fmt.Errorf("mining.tx_buffer (%s) must be shorter than mining.min_round (%s)", m.TxBuffer, m.MinRoundDuration)
	}
	if m.MaxErrors < 0 {
		return fmt.Errorf("mining.max_errors must not be negative")
	}

	if cfg.Tx.Confirmations == 0 {
		return fmt.Errorf("tx.confirmations must be at least 1")
	}
	if cfg.Tx.GasMultiplier < 1 {
		return fmt.Errorf("tx.gas_multiplier must be at least 1")
	}
	if cfg.Tx.RetryAttempts < 1 {
		return fmt.Errorf("tx.retry_attempts must be at least 1")
	}

	if s := cfg.Session; s.Enabled {
		if s.Duration <= s.RenewMargin {
			return fmt.Errorf("session.duration (%s) must exceed session.renew_margin (%s)", s.Duration, s.RenewMargin)
		}
		if s.FundOperations == 0 || s.GasPerOperation == 0 {
			return fmt.Errorf("session.fund_ops and session.gas_per_op must be positive")
		}
		if s.SweepMargin < 1 {
			return fmt.Errorf("session.sweep_margin must be at least 1")
		}
	}

	t := cfg.Telemetry
	if len(t.KafkaBrokers) > 0 && t.KafkaTopic == "" {
		return fmt.Errorf("telemetry.kafka_topic is required with kafka brokers")
	}
	if t.InfluxURL != "" && (t.InfluxOrg == "" || t.InfluxBucket == "") {
		return fmt.Errorf("telemetry.influx_org and telemetry.influx_bucket are required with influx_url")
	}
	return nil
}

// RequireContract checks that a mining contract is configured and returns it.
func (c *Config) RequireContract() (common.Address, error) {
	if c.Chain.MiningContract == "" {
		return common.Address{}, ErrNoContract
	}
	return common.HexToAddress(c.Chain.MiningContract), nil
}

// TokenAddress returns the reward token, if configured.
func (c *Config) TokenAddress() (common.Address, bool) {
	if c.Chain.TokenContract == "" {
		return common.Address{}, false
	}
	return common.HexToAddress(c.Chain.TokenContract), true
}

func validateAddress(field, s string) error {
	if s == "" {
		return nil
	}
	if !common.IsHexAddress(strings.TrimSpace(s)) {
		return fmt.Errorf("%s %q is not a hex address", field, s)
	}
	return nil
}
