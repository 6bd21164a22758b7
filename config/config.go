// Package config handles miner configuration.
//
// Settings are resolved in order: network defaults, the klingminer.conf file
// in the data directory, then command-line flags. Validate runs last.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// ConfigFileName is the name of the config file inside the data directory.
const ConfigFileName = "klingminer.conf"

// Config holds the miner's runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	Chain     ChainConfig
	Mining    MiningConfig
	Tx        TxConfig
	Session   SessionConfig
	Wallet    WalletConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

// ChainConfig selects the endpoint and contracts.
type ChainConfig struct {
	RPCURL         string        `conf:"chain.rpc"`
	ChainID        uint64        `conf:"chain.id"` // 0 = accept what the endpoint reports
	MiningContract string        `conf:"chain.contract"`
	TokenContract  string        `conf:"chain.token"` // optional, enables reward tracking
	ReadTimeout    time.Duration `conf:"chain.read_timeout"`
}

// MiningConfig tunes the search and round policy.
type MiningConfig struct {
	Workers          int           `conf:"mining.workers"`
	BatchSize        int           `conf:"mining.batch"`
	SearchSlice      time.Duration `conf:"mining.slice"`
	PollInterval     time.Duration `conf:"mining.poll"`
	MinRoundDuration time.Duration `conf:"mining.min_round"` // 0 = read from the contract
	TxBuffer         time.Duration `conf:"mining.tx_buffer"`
	EndRoundWait     time.Duration `conf:"mining.end_round_wait"`
	DriftCorrection  bool          `conf:"mining.drift_correction"`
	MaxErrors        int           `conf:"mining.max_errors"` // 0 = unlimited
	RewardPoll       time.Duration `conf:"mining.reward_poll"`
}

// TxConfig tunes transaction submission.
type TxConfig struct {
	Confirmations uint64        `conf:"tx.confirmations"`
	GasMultiplier float64       `conf:"tx.gas_multiplier"`
	SubmitGas     uint64        `conf:"tx.submit_gas"`
	EndRoundGas   uint64        `conf:"tx.end_round_gas"`
	RetryAttempts int           `conf:"tx.retry_attempts"`
	RetryBackoff  time.Duration `conf:"tx.retry_backoff"`
	ConfirmPoll   time.Duration `conf:"tx.confirm_poll"`
}

// SessionConfig controls the delegated session key.
type SessionConfig struct {
	Enabled         bool          `conf:"session.enabled"`
	Duration        time.Duration `conf:"session.duration"`
	RenewMargin     time.Duration `conf:"session.renew_margin"`
	FundOperations  uint64        `conf:"session.fund_ops"`
	GasPerOperation uint64        `conf:"session.gas_per_op"`
	SweepMargin     float64       `conf:"session.sweep_margin"`
}

// WalletConfig selects the primary key.
type WalletConfig struct {
	KeyFile     string `conf:"wallet.keyfile"`
	MnemonicEnv string `conf:"wallet.mnemonic_env"`
	Account     uint32 `conf:"wallet.account"`
	Confirm     bool   `conf:"wallet.confirm"` // prompt before every primary signature
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// TelemetryConfig enables the optional event and metrics exporters.
type TelemetryConfig struct {
	KafkaBrokers []string `conf:"telemetry.kafka_brokers"`
	KafkaTopic   string   `conf:"telemetry.kafka_topic"`
	InfluxURL    string   `conf:"telemetry.influx_url"`
	InfluxToken  string   `conf:"telemetry.influx_token"`
	InfluxOrg    string   `conf:"telemetry.influx_org"`
	InfluxBucket string   `conf:"telemetry.influx_bucket"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingminer
//	macOS:   ~/Library/Application Support/KlingMiner
//	Windows: %APPDATA%\KlingMiner
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingminer"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "KlingMiner")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "KlingMiner")
		}
		return filepath.Join(home, "AppData", "Roaming", "KlingMiner")
	default:
		return filepath.Join(home, ".klingminer")
	}
}

// NetworkDir returns the network-specific data directory.
func (c *Config) NetworkDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// JournalDir returns the transaction journal database directory.
func (c *Config) JournalDir() string {
	return filepath.Join(c.NetworkDir(), "journal")
}

// KeyFilePath returns the configured key file, or the default location.
func (c *Config) KeyFilePath() string {
	if c.Wallet.KeyFile != "" {
		return ExpandHome(c.Wallet.KeyFile)
	}
	return filepath.Join(c.NetworkDir(), "primary.key")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, ConfigFileName)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
