// Package agent provides a reusable mining agent that can be embedded in
// any binary (daemon, TUI, etc.).
package agent

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-miner/config"
	"github.com/Klingon-tech/klingnet-miner/internal/chain"
	"github.com/Klingon-tech/klingnet-miner/internal/events"
	"github.com/Klingon-tech/klingnet-miner/internal/hashengine"
	klog "github.com/Klingon-tech/klingnet-miner/internal/log"
	"github.com/Klingon-tech/klingnet-miner/internal/miner"
	"github.com/Klingon-tech/klingnet-miner/internal/round"
	"github.com/Klingon-tech/klingnet-miner/internal/session"
	"github.com/Klingon-tech/klingnet-miner/internal/storage"
	"github.com/Klingon-tech/klingnet-miner/internal/telemetry"
	"github.com/Klingon-tech/klingnet-miner/internal/txpipe"
	"github.com/Klingon-tech/klingnet-miner/internal/wallet"
	"github.com/Klingon-tech/klingnet-miner/pkg/crypto"
	"github.com/Klingon-tech/klingnet-miner/pkg/retry"
)

// sinkDrainTimeout bounds how long Close waits for exporters to flush.
const sinkDrainTimeout = 5 * time.Second

// ErrNotStarted is returned by Wait before Start.
var ErrNotStarted = errors.New("agent not started")

// Deps overrides the resources New would otherwise open from the config.
// Tests use it to run against an in-memory chain.
type Deps struct {
	// Backend replaces dialing cfg.Chain.RPCURL.
	Backend chain.Backend
	// Primary replaces loading the wallet key.
	Primary crypto.Signer
	// DB replaces opening the journal at cfg.JournalDir.
	DB storage.DB
	// Now replaces the local clock.
	Now func() time.Time
	// KeepLogger leaves the global logger untouched.
	KeepLogger bool
}

// Agent is a fully wired mining agent.
type Agent struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Chain
	backend  chain.Backend
	client   *ethclient.Client // nil when the backend was injected
	chainID  *big.Int
	contract *chain.MiningContract
	token    *chain.Token

	// Core
	db       storage.DB
	ownsDB   bool
	primary  crypto.Signer
	key      *crypto.PrivateKey // set when the agent loaded the primary key itself
	sync     *round.Synchronizer
	engine   *hashengine.Engine
	journal  *txpipe.Journal
	pipe     *txpipe.Pipeline
	sessions *session.Manager
	orch     *miner.Orchestrator

	// Events
	bus    *events.Bus
	influx *telemetry.InfluxClient
	kafka  *telemetry.KafkaSink
	sinkWG sync.WaitGroup

	// Lifecycle
	sinkCtx    context.Context
	sinkCancel context.CancelFunc
	mu         sync.Mutex
	done       chan struct{}
	runErr     error
	closeOnce  sync.Once
}

// New creates and wires an agent. It opens every resource but starts no
// goroutines; call Start or Run for that.
func New(cfg *config.Config, deps Deps) (_ *Agent, err error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	if !deps.KeepLogger {
		logFile := cfg.Log.File
		if logFile == "" {
			logsDir := cfg.LogsDir()
			if err := os.MkdirAll(logsDir, 0755); err != nil {
				return nil, fmt.Errorf("creating logs dir: %w", err)
			}
			logFile = filepath.Join(logsDir, "klingminer.log")
		}
		if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
			return nil, fmt.Errorf("initializing logger: %w", err)
		}
	}
	logger := klog.WithComponent("agent")

	contractAddr, err := cfg.RequireContract()
	if err != nil {
		return nil, err
	}

	a := &Agent{cfg: cfg, logger: logger, bus: events.NewBus()}
	a.sinkCtx, a.sinkCancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	logger.Info().
		Str("network", string(cfg.Network)).
		Str("rpc", cfg.Chain.RPCURL).
		Str("contract", contractAddr.Hex()).
		Msg("Starting Klingnet Miner")

	// ── 2. Chain backend ────────────────────────────────────────────
	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Chain.ReadTimeout+time.Second)
	defer cancel()
	if deps.Backend != nil {
		a.backend = deps.Backend
	} else {
		client, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID)
		if err != nil {
			return nil, err
		}
		a.client = client
		a.backend = client
	}
	a.chainID, err = a.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	if cfg.Chain.ChainID != 0 && a.chainID.Uint64() != cfg.Chain.ChainID {
		return nil, fmt.Errorf("%w: endpoint serves chain %s, want %d", chain.ErrWrongChain, a.chainID, cfg.Chain.ChainID)
	}

	// ── 3. Contracts ────────────────────────────────────────────────
	a.contract, err = chain.NewMiningContract(a.backend, contractAddr)
	if err != nil {
		return nil, fmt.Errorf("mining contract: %w", err)
	}
	if tokenAddr, ok := cfg.TokenAddress(); ok {
		a.token, err = chain.NewToken(a.backend, tokenAddr)
		if err != nil {
			return nil, fmt.Errorf("reward token: %w", err)
		}
	}

	// ── 4. Open storage ─────────────────────────────────────────────
	if deps.DB != nil {
		a.db = deps.DB
	} else {
		a.db, err = storage.NewBadger(cfg.JournalDir())
		if err != nil {
			return nil, fmt.Errorf("open journal at %s: %w", cfg.JournalDir(), err)
		}
		a.ownsDB = true
		logger.Info().Str("path", cfg.JournalDir()).Msg("Journal opened")
	}
	a.journal = txpipe.NewJournal(a.db)

	// ── 5. Primary key ──────────────────────────────────────────────
	if deps.Primary != nil {
		a.primary = deps.Primary
	} else {
		a.primary, a.key, err = loadPrimary(cfg)
		if err != nil {
			return nil, err
		}
	}
	logger.Info().Str("address", a.primary.Address().Hex()).Bool("confirm", cfg.Wallet.Confirm).Msg("Primary key loaded")

	// ── 6. Round synchronizer ───────────────────────────────────────
	a.sync = round.NewSynchronizer(a.contract, round.Options{
		Policy: round.Policy{
			MinRoundDuration: cfg.Mining.MinRoundDuration,
			TxBuffer:         cfg.Mining.TxBuffer,
			EndRoundWait:     cfg.Mining.EndRoundWait,
		},
		ReadTimeout:     cfg.Chain.ReadTimeout,
		DriftCorrection: cfg.Mining.DriftCorrection,
		Now:             deps.Now,
	})

	// ── 7. Hash engine ──────────────────────────────────────────────
	a.engine = hashengine.New(hashengine.Config{
		Workers:   cfg.Mining.Workers,
		BatchSize: cfg.Mining.BatchSize,
	})

	// ── 8. Transaction pipeline ─────────────────────────────────────
	a.pipe = txpipe.New(a.backend, a.journal, a.contract, txpipe.Config{
		ChainID:     a.chainID,
		ConfirmPoll: cfg.Tx.ConfirmPoll,
		Retry:       retry.Fixed(cfg.Tx.RetryAttempts, cfg.Tx.RetryBackoff),
		ReadTimeout: cfg.Chain.ReadTimeout,
	})
	if pending, err := a.journal.Pending(); err == nil && len(pending) > 0 {
		logger.Warn().Int("count", len(pending)).Msg("Journal has transactions from a previous run without a final status")
	}

	// ── 9. Session keys ─────────────────────────────────────────────
	a.sessions = session.NewManager(a.primary, a.contract, a.backend, a.pipe, a.chainID, session.Config{
		Enabled:         cfg.Session.Enabled,
		Duration:        cfg.Session.Duration,
		RenewMargin:     cfg.Session.RenewMargin,
		FundOperations:  cfg.Session.FundOperations,
		GasPerOperation: txpipe.GasLimit(cfg.Session.GasPerOperation, cfg.Tx.GasMultiplier),
		AuthorizeGas:    txpipe.GasLimit(session.DefaultConfig().AuthorizeGas, cfg.Tx.GasMultiplier),
		SweepGas:        session.DefaultConfig().SweepGas,
		SweepMargin:     cfg.Session.SweepMargin,
		Confirmations:   cfg.Tx.Confirmations,
		SettlePoll:      cfg.Tx.ConfirmPoll,
	}, a.sync.Now)

	// ── 10. Event sinks ─────────────────────────────────────────────
	if err := a.openTelemetry(ctx); err != nil {
		return nil, err
	}

	// ── 11. Orchestrator ────────────────────────────────────────────
	var rewards miner.RewardWatcher
	if a.token != nil {
		rewards = a.token
	}
	a.orch = miner.New(miner.Config{
		SearchSlice:          cfg.Mining.SearchSlice,
		PollInterval:         cfg.Mining.PollInterval,
		Confirmations:        cfg.Tx.Confirmations,
		SubmitGas:            txpipe.GasLimit(cfg.Tx.SubmitGas, cfg.Tx.GasMultiplier),
		EndRoundGas:          txpipe.GasLimit(cfg.Tx.EndRoundGas, cfg.Tx.GasMultiplier),
		MaxConsecutiveErrors: cfg.Mining.MaxErrors,
		RewardPoll:           cfg.Mining.RewardPoll,
		ReadTimeout:          cfg.Chain.ReadTimeout,
	}, a.sync, a.engine, a.sessions, a.pipe, a.contract, rewards, a.bus)

	return a, nil
}

// loadPrimary reads the primary key from the mnemonic variable or key file.
// The returned signer wraps key when confirmation prompts are enabled.
func loadPrimary(cfg *config.Config) (crypto.Signer, *crypto.PrivateKey, error) {
	key, err := wallet.LoadSigner(wallet.Source{
		KeyFile:     cfg.KeyFilePath(),
		MnemonicEnv: cfg.Wallet.MnemonicEnv,
		Account:     cfg.Wallet.Account,
		Passphrase:  wallet.ReadPassphrase,
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("no key at %s (run `klingminer keygen` or set $%s): %w",
				cfg.KeyFilePath(), cfg.Wallet.MnemonicEnv, err)
		}
		return nil, nil, fmt.Errorf("load primary key: %w", err)
	}
	if cfg.Wallet.Confirm {
		return wallet.NewConfirmSigner(key, os.Stdin, os.Stderr), key, nil
	}
	return key, key, nil
}

// openTelemetry subscribes the log sink and any configured exporters.
func (a *Agent) openTelemetry(ctx context.Context) error {
	a.startSink(func(sub *events.Subscription) {
		events.LogSink(sub, klog.Events)
	})

	tc := a.cfg.Telemetry
	owner := a.primary.Address().Hex()
	if len(tc.KafkaBrokers) > 0 {
		w, err := telemetry.NewKafkaWriter(telemetry.KafkaConfig{Brokers: tc.KafkaBrokers, Topic: tc.KafkaTopic})
		if err != nil {
			return fmt.Errorf("kafka exporter: %w", err)
		}
		a.kafka = telemetry.NewKafkaSink(w, owner, nil)
		a.startSink(func(sub *events.Subscription) {
			if err := a.kafka.Run(a.sinkCtx, sub); err != nil {
				klog.Telemetry.Warn().Err(err).Msg("Kafka sink stopped")
			}
		})
		a.logger.Info().Strs("brokers", tc.KafkaBrokers).Str("topic", tc.KafkaTopic).Msg("Kafka event export enabled")
	}
	if tc.InfluxURL != "" {
		client, err := telemetry.DialInflux(ctx, telemetry.InfluxConfig{
			URL:    tc.InfluxURL,
			Token:  tc.InfluxToken,
			Org:    tc.InfluxOrg,
			Bucket: tc.InfluxBucket,
		})
		if err != nil {
			return fmt.Errorf("influx exporter: %w", err)
		}
		a.influx = client
		sink := telemetry.NewMetricsSink(client.Writer(), owner)
		a.startSink(func(sub *events.Subscription) {
			sink.Run(a.sinkCtx, sub)
		})
		a.logger.Info().Str("url", tc.InfluxURL).Str("bucket", tc.InfluxBucket).Msg("InfluxDB metrics enabled")
	}
	return nil
}

func (a *Agent) startSink(run func(*events.Subscription)) {
	sub := a.bus.Subscribe(events.DefaultBuffer)
	a.sinkWG.Add(1)
	go func() {
		defer a.sinkWG.Done()
		run(sub)
	}()
}

// Start launches the mining session in the background. It returns
// immediately; use Wait for the outcome.
func (a *Agent) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		return
	}
	a.done = make(chan struct{})
	go func() {
		err := a.orch.Run(ctx)
		a.mu.Lock()
		a.runErr = err
		a.mu.Unlock()
		close(a.done)
	}()
}

// Wait blocks until the mining session ends and returns its fatal error,
// or nil for a requested stop.
func (a *Agent) Wait() error {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	if done == nil {
		return ErrNotStarted
	}
	<-done
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runErr
}

// Stop asks the session to stop, waits for teardown and releases every
// resource.
func (a *Agent) Stop() error {
	a.orch.Stop()
	err := a.Wait()
	if errors.Is(err, ErrNotStarted) {
		err = nil
	}
	a.Close()
	return err
}

// Run mines until ctx is cancelled or a fatal error occurs, then releases
// every resource.
func (a *Agent) Run(ctx context.Context) error {
	a.Start(ctx)
	err := a.Wait()
	a.Close()
	return err
}

// Close releases every resource without running a mining session. It is
// safe to call more than once.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		a.release()
		a.logger.Info().Msg("Goodbye!")
	})
}

func (a *Agent) release() {
	a.bus.Close()
	drained := make(chan struct{})
	go func() {
		a.sinkWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(sinkDrainTimeout):
		a.logger.Warn().Msg("Event sinks did not drain in time")
	}
	a.sinkCancel()

	if a.influx != nil {
		a.influx.Close()
	}
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.key != nil {
		a.key.Zero()
	}
	if a.ownsDB && a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close journal")
		}
	}
	if a.client != nil {
		a.client.Close()
	}
}

// Bus returns the event bus. Subscribe before Start to see every event.
func (a *Agent) Bus() *events.Bus { return a.bus }

// Owner returns the primary account that owns mining rewards.
func (a *Agent) Owner() common.Address { return a.primary.Address() }

// State returns the orchestrator state.
func (a *Agent) State() miner.State { return a.orch.State() }

// HashRate returns the smoothed hash rate in kH/s.
func (a *Agent) HashRate() float64 { return a.engine.HashRate() }

// Journal returns the transaction journal.
func (a *Agent) Journal() *txpipe.Journal { return a.journal }
