package config

import "time"

// DefaultMainnet returns the default configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Chain: ChainConfig{
			RPCURL:      "http://127.0.0.1:8545",
			ReadTimeout: 5 * time.Second,
		},
		Mining: MiningConfig{
			Workers:         1,
			BatchSize:       4096,
			SearchSlice:     30 * time.Second,
			PollInterval:    2 * time.Second,
			TxBuffer:        10 * time.Second,
			EndRoundWait:    5 * time.Second,
			DriftCorrection: true,
			RewardPoll:      15 * time.Second,
		},
		Tx: TxConfig{
			Confirmations: 1,
			GasMultiplier: 1.2,
			SubmitGas:     150_000,
			EndRoundGas:   200_000,
			RetryAttempts: 5,
			RetryBackoff:  time.Second,
			ConfirmPoll:   2 * time.Second,
		},
		Session: SessionConfig{
			Enabled:         true,
			Duration:        24 * time.Hour,
			RenewMargin:     10 * time.Minute,
			FundOperations:  50,
			GasPerOperation: 150_000,
			SweepMargin:     1.5,
		},
		Wallet: WalletConfig{
			MnemonicEnv: "KLINGMINER_MNEMONIC",
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			KafkaTopic: "klingminer-events",
		},
	}
}

// DefaultTestnet returns the default configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.Chain.RPCURL = "http://127.0.0.1:8645"
	cfg.Session.Duration = 6 * time.Hour
	cfg.Telemetry.KafkaTopic = "klingminer-testnet-events"
	return cfg
}

// Default returns the default configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
