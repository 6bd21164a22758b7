// KlingMiner round-based proof-of-work miner.
//
// Usage:
//
//	klingminer [mine] --contract=0x...   Mine until interrupted
//	klingminer status                    Show accounts and the current round
//	klingminer sweep                     Return session key funds
//	klingminer keygen                    Create an encrypted key file
//	klingminer address                   Print the miner addresses
//	klingminer --help                    Show help
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/Klingon-tech/klingnet-miner/config"
	"github.com/Klingon-tech/klingnet-miner/internal/agent"
	"github.com/Klingon-tech/klingnet-miner/internal/session"
	"github.com/Klingon-tech/klingnet-miner/internal/wallet"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cmd, args := "mine", os.Args[1:]
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	cfg, flags, err := config.Load(cmd, args)
	if errors.Is(err, flag.ErrHelp) {
		config.PrintUsage(os.Stdout)
		return
	}
	if err != nil {
		fatal(err)
	}
	if flags.Version {
		fmt.Printf("klingminer %s\n", version)
		return
	}
	// One-shot commands only report problems.
	if cmd != "mine" && !flags.IsSet("log-level") {
		cfg.Log.Level = "warn"
	}

	switch cmd {
	case "mine":
		err = runMine(cfg)
	case "status":
		err = runStatus(cfg)
	case "sweep":
		err = runSweep(cfg)
	case "keygen":
		err = runKeygen(cfg)
	case "address":
		err = runAddress(cfg)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		config.PrintUsage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func runMine(cfg *config.Config) error {
	a, err := agent.New(cfg, agent.Deps{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

func runStatus(cfg *config.Config) error {
	a, err := agent.New(cfg, agent.Deps{})
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.Status(context.Background())
	if err != nil {
		return err
	}
	return printJSON(st)
}

func runSweep(cfg *config.Config) error {
	a, err := agent.New(cfg, agent.Deps{})
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.Sweep(context.Background())
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Println("Nothing to sweep.")
		return nil
	}
	fmt.Printf("Swept %s wei to %s in %s\n", rec.Value, a.Owner().Hex(), rec.Hash.Hex())
	return nil
}

// runKeygen writes an encrypted key file from the configured mnemonic
// variable, or from a fresh mnemonic that is printed once for backup.
func runKeygen(cfg *config.Config) error {
	path := cfg.KeyFilePath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", wallet.ErrKeyFileExists, path)
	}

	mnemonic, source := os.Getenv(cfg.Wallet.MnemonicEnv), "mnemonic"
	if mnemonic == "" {
		var err error
		if mnemonic, err = wallet.GenerateMnemonic(); err != nil {
			return err
		}
		source = "generated"
		fmt.Println("Write down this recovery phrase. It is shown only once:")
		fmt.Printf("\n  %s\n\n", mnemonic)
	}
	key, err := wallet.SignerFromMnemonic(mnemonic, "", cfg.Wallet.Account)
	if err != nil {
		return err
	}
	defer key.Zero()

	pass, err := wallet.ReadNewPassphrase()
	if err != nil {
		return err
	}
	defer clear(pass)

	kf, err := wallet.WriteKeyFile(path, key, source, pass, wallet.DefaultParams())
	if err != nil {
		return err
	}
	fmt.Printf("Address:  %s\nKey file: %s\n", kf.Address.Hex(), path)
	return nil
}

// runAddress prints the primary address and, when the chain and contract
// are configured, the session key derived for them.
func runAddress(cfg *config.Config) error {
	key, err := wallet.LoadSigner(wallet.Source{
		KeyFile:     cfg.KeyFilePath(),
		MnemonicEnv: cfg.Wallet.MnemonicEnv,
		Account:     cfg.Wallet.Account,
		Passphrase:  wallet.ReadPassphrase,
	})
	if err != nil {
		return err
	}
	defer key.Zero()
	fmt.Printf("Primary: %s\n", key.Address().Hex())

	contract, err := cfg.RequireContract()
	if err != nil || cfg.Chain.ChainID == 0 {
		return nil
	}
	sk, err := session.Derive(key, new(big.Int).SetUint64(cfg.Chain.ChainID), contract)
	if err != nil {
		return err
	}
	defer sk.Zero()
	fmt.Printf("Session: %s\n", sk.Address().Hex())
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
