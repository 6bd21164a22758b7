package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Flags holds parsed command-line flags.
type Flags struct {
	Help    bool
	Version bool

	// Core
	Network string
	Testnet bool
	DataDir string
	Config  string

	// Chain
	RPC      string
	ChainID  uint64
	Contract string
	Token    string

	// Mining
	Workers  int
	Slice    time.Duration
	MaxErrs  int
	Session  bool
	Confirms uint64

	// Wallet
	KeyFile     string
	MnemonicEnv string
	Account     uint
	Confirm     bool

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Telemetry
	Kafka  string
	Influx string

	// Remaining args
	Args []string

	// Explicitly-set flags (for true/false and zero overrides).
	set map[string]bool
}

// IsSet reports whether the flag was given on the command line.
func (f *Flags) IsSet(name string) bool {
	return f.set[name]
}

// ParseFlags parses args (without the program and subcommand names).
// It returns flag.ErrHelp when help was requested.
func ParseFlags(cmd string, args []string, output io.Writer) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("klingminer "+cmd, flag.ContinueOnError)
	fs.SetOutput(output)

	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	fs.BoolVar(&f.Testnet, "testnet", false, "Shorthand for --network=testnet")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	// Chain
	fs.StringVar(&f.RPC, "rpc", "", "JSON-RPC endpoint URL")
	fs.Uint64Var(&f.ChainID, "chain-id", 0, "Expected chain id")
	fs.StringVar(&f.Contract, "contract", "", "Mining contract address")
	fs.StringVar(&f.Token, "token", "", "Reward token address")

	// Mining
	fs.IntVar(&f.Workers, "workers", 0, "Hashing goroutines")
	fs.DurationVar(&f.Slice, "slice", 0, "Maximum duration of one search")
	fs.IntVar(&f.MaxErrs, "max-errors", 0, "Stop after this many consecutive transient errors")
	fs.BoolVar(&f.Session, "session", true, "Use a delegated session key")
	fs.Uint64Var(&f.Confirms, "confirmations", 0, "Confirmations awaited per transaction")

	// Wallet
	fs.StringVar(&f.KeyFile, "keyfile", "", "Encrypted key file")
	fs.StringVar(&f.MnemonicEnv, "mnemonic-env", "", "Environment variable holding a mnemonic")
	fs.UintVar(&f.Account, "account", 0, "BIP-44 account index")
	fs.BoolVar(&f.Confirm, "confirm", false, "Ask before every primary key signature")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	// Telemetry
	fs.StringVar(&f.Kafka, "kafka", "", "Kafka brokers for the event stream (comma-separated)")
	fs.StringVar(&f.Influx, "influx", "", "InfluxDB URL for metrics")

	fs.Usage = func() { PrintUsage(output) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	f.set = make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	if f.Testnet {
		f.Network = string(Testnet)
	}
	f.Args = fs.Args()
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}
	return f, nil
}

// ApplyFlags applies command-line flags to cfg.
func ApplyFlags(cfg *Config, f *Flags) {
	if f.Network != "" {
		cfg.Network = NetworkType(strings.ToLower(f.Network))
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}

	if f.RPC != "" {
		cfg.Chain.RPCURL = f.RPC
	}
	if f.IsSet("chain-id") {
		cfg.Chain.ChainID = f.ChainID
	}
	if f.Contract != "" {
		cfg.Chain.MiningContract = f.Contract
	}
	if f.Token != "" {
		cfg.Chain.TokenContract = f.Token
	}

	if f.Workers != 0 {
		cfg.Mining.Workers = f.Workers
	}
	if f.Slice != 0 {
		cfg.Mining.SearchSlice = f.Slice
	}
	if f.IsSet("max-errors") {
		cfg.Mining.MaxErrors = f.MaxErrs
	}
	if f.IsSet("session") {
		cfg.Session.Enabled = f.Session
	}
	if f.Confirms != 0 {
		cfg.Tx.Confirmations = f.Confirms
	}

	if f.KeyFile != "" {
		cfg.Wallet.KeyFile = f.KeyFile
	}
	if f.MnemonicEnv != "" {
		cfg.Wallet.MnemonicEnv = f.MnemonicEnv
	}
	if f.IsSet("account") {
		cfg.Wallet.Account = uint32(f.Account)
	}
	if f.IsSet("confirm") {
		cfg.Wallet.Confirm = f.Confirm
	}

	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.IsSet("log-json") {
		cfg.Log.JSON = f.LogJSON
	}

	if f.Kafka != "" {
		cfg.Telemetry.KafkaBrokers = parseStringList(f.Kafka)
	}
	if f.Influx != "" {
		cfg.Telemetry.InfluxURL = f.Influx
	}
}

// PrintUsage writes the command help.
func PrintUsage(w io.Writer) {
	fmt.Fprint(w, `KlingMiner - round-based on-chain proof-of-work miner

Usage:
  klingminer [command] [options]

Commands:
  mine        Mine until interrupted (default)
  status      Show the current round and its phase
  sweep       Return session key funds to the primary account
  keygen      Create an encrypted key file (new key or --mnemonic-env)
  address     Print the primary and session key addresses

Core Options:
  --network       Network type: mainnet (default) or testnet
  --testnet       Shorthand for --network=testnet
  --datadir       Data directory (default: ~/.klingminer)
  --config, -c    Config file path (default: <datadir>/klingminer.conf)

Chain Options:
  --rpc           JSON-RPC endpoint URL
  --chain-id      Expected chain id (0 accepts the endpoint's)
  --contract      Mining contract address
  --token         Reward token address

Mining Options:
  --workers         Hashing goroutines (default: 1)
  --slice           Maximum duration of one search (default: 30s)
  --max-errors      Stop after N consecutive transient errors (default: never)
  --session         Use a delegated session key (default: true)
  --confirmations   Confirmations awaited per transaction (default: 1)

Wallet Options:
  --keyfile        Encrypted key file (default: <datadir>/<network>/primary.key)
  --mnemonic-env   Environment variable holding a BIP-39 mnemonic
  --account        BIP-44 account index (m/44'/60'/0'/0/<account>)
  --confirm        Ask before every primary key signature

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: stdout)
  --log-json      Output logs as JSON

Telemetry Options:
  --kafka         Kafka brokers for the event stream (comma-separated)
  --influx        InfluxDB URL for metrics

Examples:
  # Create a key file
  klingminer keygen --testnet

  # Mine on testnet
  klingminer mine --testnet --rpc=http://127.0.0.1:8645 --contract=0x...
`)
}

// Load resolves configuration for cmd from defaults, the config file and
// args, in that order of increasing precedence.
func Load(cmd string, args []string) (*Config, *Flags, error) {
	flags, err := ParseFlags(cmd, args, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	if flags.Help {
		return nil, flags, flag.ErrHelp
	}

	network := Mainnet
	if strings.ToLower(flags.Network) == string(Testnet) {
		network = Testnet
	}
	cfg := Default(network)
	if flags.DataDir != "" {
		cfg.DataDir = ExpandHome(flags.DataDir)
	}
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}
	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, flags, nil
}

// EnsureDataDirs creates the data directories and a default config file if
// they don't exist yet.
func EnsureDataDirs(cfg *Config) error {
	for _, dir := range []string{cfg.DataDir, cfg.NetworkDir(), cfg.LogsDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}
	return nil
}
