// Package miner runs the mining loop: it follows rounds, searches for
// nonces, and submits results and round closures.
package miner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingnet-miner/internal/chain"
	"github.com/Klingon-tech/klingnet-miner/internal/events"
	"github.com/Klingon-tech/klingnet-miner/internal/hashengine"
	"github.com/Klingon-tech/klingnet-miner/internal/log"
	"github.com/Klingon-tech/klingnet-miner/internal/round"
	"github.com/Klingon-tech/klingnet-miner/internal/txpipe"
	"github.com/Klingon-tech/klingnet-miner/pkg/crypto"
	"github.com/Klingon-tech/klingnet-miner/pkg/types"
)

var (
	ErrStopRequested = errors.New("stop requested")
	ErrRoundChanged  = errors.New("round changed")
	ErrSeedChanged   = errors.New("seed changed")
	ErrTooManyErrors = errors.New("too many consecutive errors")
)

// Rounds provides round state.
type Rounds interface {
	Poll(ctx context.Context) (round.Snapshot, error)
	Fetch(ctx context.Context) (types.Round, error)
	Classify(r types.Round) round.Phase
}

// Searcher runs time-boxed nonce searches.
type Searcher interface {
	Search(ctx context.Context, identity common.Address, seed common.Hash, duration time.Duration,
		onProgress func(hashengine.Progress)) (*types.MiningAttempt, error)
	ResetRate()
}

// Sessions provides the signer for mining transactions.
type Sessions interface {
	Owner() common.Address
	EnsureSessionKey(ctx context.Context) (*types.SessionKey, error)
	Signer() crypto.Signer
	Downgrade(reason string)
	SessionAddress() (common.Address, bool)
	ReleaseFunds(ctx context.Context, target common.Address) (*types.TxRecord, error)
}

// Submitter sends transactions and waits for them.
type Submitter interface {
	Submit(ctx context.Context, call txpipe.Call, signer crypto.Signer, gasLimit uint64) (*types.TxRecord, error)
	AwaitConfirmation(ctx context.Context, rec *types.TxRecord, depth uint64) (*types.TxRecord, error)
	Release() *types.TxRecord
}

// Calls packs mining contract calls.
type Calls interface {
	Address() common.Address
	PackSubmitNonce(roundID uint64, nonce *uint256.Int) ([]byte, error)
	PackEndRound() ([]byte, error)
}

// RewardWatcher reports token transfers from the mining contract.
type RewardWatcher interface {
	WatchRewards(ctx context.Context, w chain.RewardWatch) error
}

// Config tunes the mining loop.
type Config struct {
	// SearchSlice caps one search so round state is re-read regularly.
	SearchSlice time.Duration
	// PollInterval is the round re-read interval while searching or waiting.
	PollInterval time.Duration
	// Confirmations awaited for every mining transaction.
	Confirmations uint64
	// SubmitGas and EndRoundGas are the gas limits of the two calls.
	SubmitGas   uint64
	EndRoundGas uint64
	// ErrorBackoff is the pause after a transient failure.
	ErrorBackoff time.Duration
	// MaxConsecutiveErrors stops the session after that many transient
	// failures in a row. Zero keeps mining indefinitely.
	MaxConsecutiveErrors int
	// TeardownTimeout bounds the session key sweep on stop.
	TeardownTimeout time.Duration
	// RewardPoll is the reward watcher interval.
	RewardPoll time.Duration
	// ReadTimeout bounds each reward watcher read.
	ReadTimeout time.Duration
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		SearchSlice:     30 * time.Second,
		PollInterval:    2 * time.Second,
		Confirmations:   1,
		SubmitGas:       150_000,
		EndRoundGas:     200_000,
		ErrorBackoff:    time.Second,
		TeardownTimeout: time.Minute,
		RewardPoll:      15 * time.Second,
		ReadTimeout:     5 * time.Second,
	}
}

// Orchestrator drives one mining session. Mining and submission never
// overlap, so at most one transaction is outstanding.
type Orchestrator struct {
	cfg      Config
	rounds   Rounds
	engine   Searcher
	sessions Sessions
	pipe     Submitter
	calls    Calls
	rewards  RewardWatcher
	bus      *events.Bus

	mu      sync.Mutex
	state   State
	cancel  context.CancelCauseFunc
	stopped bool
	errRun  int
}

// New creates an orchestrator. rewards may be nil.
func New(cfg Config, rounds Rounds, engine Searcher, sessions Sessions, pipe Submitter,
	calls Calls, rewards RewardWatcher, bus *events.Bus) *Orchestrator {
	def := DefaultConfig()
	if cfg.SearchSlice <= 0 {
		cfg.SearchSlice = def.SearchSlice
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = def.TeardownTimeout
	}
	if cfg.RewardPoll <= 0 {
		cfg.RewardPoll = def.RewardPoll
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	return &Orchestrator{
		cfg:      cfg,
		rounds:   rounds,
		engine:   engine,
		sessions: sessions,
		pipe:     pipe,
		calls:    calls,
		rewards:  rewards,
		bus:      bus,
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	if prev != s {
		log.Miner.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("State change")
	}
}

// Stop asks a running session to stop. Run returns after teardown.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = true
	if o.cancel != nil {
		o.cancel(ErrStopRequested)
	}
}

// Run executes the mining session until Stop, ctx cancellation, or a fatal
// failure. Session teardown always runs before it returns. It returns nil
// on a requested stop and the fatal error otherwise.
func (o *Orchestrator) Run(parent context.Context) error {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	o.mu.Lock()
	o.state = StateIdle
	o.cancel = cancel
	if o.stopped {
		cancel(ErrStopRequested)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	fatal := o.run(ctx, &wg)
	cancel(ErrStopRequested)
	wg.Wait()

	o.teardown(fatal, context.Cause(ctx))
	return fatal
}

func (o *Orchestrator) run(ctx context.Context, wg *sync.WaitGroup) error {
	owner := o.sessions.Owner()
	key, err := o.sessions.EnsureSessionKey(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, crypto.ErrUserRejected) || txpipe.ClassOf(err) == txpipe.UserRejected {
			o.bus.Publish(events.UserRejected{TxKind: types.TxAuthorizeSession, Err: err.Error()})
		}
		o.bus.Publish(events.Error{Op: "session_setup", Err: err.Error(), Fatal: true})
		return fmt.Errorf("session setup: %w", err)
	}

	started := events.Started{Miner: owner}
	if key != nil {
		started.SessionKey = key.Address
		started.UsingSession = true
	}
	o.bus.Publish(started)
	log.Miner.Info().Str("miner", owner.Hex()).Bool("session_key", key != nil).Msg("Mining session started")

	if o.rewards != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := o.rewards.WatchRewards(ctx, chain.RewardWatch{
				Minter:      o.calls.Address(),
				Owner:       owner,
				Interval:    o.cfg.RewardPoll,
				ReadTimeout: o.cfg.ReadTimeout,
				OnReward: func(tr chain.Transfer) {
					o.bus.Publish(events.RewardReceived{Amount: tr.Value, TxHash: tr.TxHash, Block: tr.BlockNumber})
				},
				OnError: func(err error) {
					log.Miner.Warn().Err(err).Msg("Reward watcher read failed")
					o.bus.Publish(events.Error{Op: "watch_rewards", Err: err.Error()})
				},
			})
			if err != nil && ctx.Err() == nil {
				log.Miner.Warn().Err(err).Msg("Reward watcher stopped")
			}
		}()
	}

	o.setState(StateMining)
	for ctx.Err() == nil {
		if err := o.step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// step performs one poll and acts on the phase.
func (o *Orchestrator) step(ctx context.Context) error {
	snap, err := o.rounds.Poll(ctx)
	if err != nil {
		return o.transient(ctx, "poll_round", err)
	}
	o.mu.Lock()
	o.errRun = 0
	o.mu.Unlock()

	if snap.Change.Transition {
		o.engine.ResetRate()
		log.Miner.Info().Uint64("prev", snap.Change.Previous.ID).Uint64("round", snap.Round.ID).Msg("Round transition")
	}
	if snap.Change.First || snap.Change.Transition {
		o.bus.Publish(events.RoundStarted{Round: snap.Round})
	}

	switch snap.Phase.Kind {
	case round.Mine:
		o.setState(StateMining)
		return o.mine(ctx, snap)
	case round.AwaitClosure:
		o.setState(StateAwaitingClosure)
		wait := snap.Phase.Remaining
		if wait <= 0 || wait > o.cfg.PollInterval {
			wait = o.cfg.PollInterval
		}
		sleep(ctx, wait)
		return nil
	default:
		return o.closeRound(ctx, snap.Round)
	}
}

// transient reports a recoverable failure and backs off.
func (o *Orchestrator) transient(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	o.mu.Lock()
	o.errRun++
	n := o.errRun
	o.mu.Unlock()

	log.Miner.Warn().Err(err).Str("op", op).Int("consecutive", n).Msg("Transient failure")
	o.bus.Publish(events.Error{Op: op, Err: err.Error()})
	if o.cfg.MaxConsecutiveErrors > 0 && n >= o.cfg.MaxConsecutiveErrors {
		o.bus.Publish(events.Error{Op: op, Err: ErrTooManyErrors.Error(), Fatal: true})
		return fmt.Errorf("%w: %w", ErrTooManyErrors, err)
	}
	sleep(ctx, o.cfg.ErrorBackoff)
	return nil
}

// mine searches the current round for up to one slice and submits the
// result if it still improves on the chain.
func (o *Orchestrator) mine(ctx context.Context, snap round.Snapshot) error {
	r := snap.Round
	dur := min(snap.Phase.Remaining, o.cfg.SearchSlice)

	sctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.watch(sctx, r, cancel)
	}()

	start := time.Now()
	attempt, err := o.engine.Search(sctx, o.sessions.Owner(), r.SeedHash, dur, func(p hashengine.Progress) {
		ev := events.Mining{
			RoundID:   r.ID,
			HashRate:  p.HashRate,
			Hashes:    p.Hashes,
			Remaining: max(dur-time.Since(start), 0),
		}
		if p.Best != nil {
			ev.Best = p.Best.Hash
		}
		o.bus.Publish(ev)
	})
	cancel(nil)
	wg.Wait()

	if err != nil {
		if errors.Is(err, hashengine.ErrCancelled) {
			if ctx.Err() == nil {
				log.Miner.Info().Err(context.Cause(sctx)).Uint64("round", r.ID).Msg("Search cancelled")
			}
			return nil
		}
		return o.transient(ctx, "search", err)
	}
	if attempt == nil {
		return nil
	}
	attempt.RoundID = r.ID

	// The chain is the only authority on whether the attempt is still valid.
	cur, err := o.rounds.Fetch(ctx)
	if err != nil {
		return o.transient(ctx, "revalidate_round", err)
	}
	if cur.ID != attempt.RoundID || cur.SeedHash != attempt.Seed {
		log.Miner.Info().
			Uint64("round", attempt.RoundID).
			Uint64("current", cur.ID).
			Msg("Discarding stale attempt")
		return nil
	}
	if !attempt.Beats(cur.SeedHash) {
		log.Miner.Debug().Str("best", attempt.Hash.Hex()).Str("seed", cur.SeedHash.Hex()).Msg("No improvement on current seed")
		return nil
	}

	o.bus.Publish(events.NonceFound{Attempt: attempt.Clone()})
	data, err := o.calls.PackSubmitNonce(attempt.RoundID, attempt.Nonce)
	if err != nil {
		return fmt.Errorf("pack submitNonce: %w", err)
	}
	return o.submit(ctx, txpipe.Call{
		Kind:    types.TxSubmitNonce,
		To:      o.calls.Address(),
		Data:    data,
		RoundID: attempt.RoundID,
	}, o.cfg.SubmitGas)
}

// watch cancels the search when the round or its seed changes.
func (o *Orchestrator) watch(ctx context.Context, r types.Round, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cur, err := o.rounds.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// One report per run of failures.
			if !failing {
				log.Miner.Warn().Err(err).Uint64("round", r.ID).Msg("Round read failed while searching")
				o.bus.Publish(events.Error{Op: "watch_round", Err: err.Error()})
			} else {
				log.Miner.Debug().Err(err).Uint64("round", r.ID).Msg("Round read still failing")
			}
			failing = true
			continue
		}
		failing = false
		switch {
		case cur.ID != r.ID:
			cancel(ErrRoundChanged)
			return
		case cur.SeedHash != r.SeedHash:
			cancel(ErrSeedChanged)
			return
		}
	}
}

// closeRound submits endRound unless another party already closed it.
func (o *Orchestrator) closeRound(ctx context.Context, r types.Round) error {
	cur, err := o.rounds.Fetch(ctx)
	if err != nil {
		return o.transient(ctx, "revalidate_round", err)
	}
	if cur.ID != r.ID {
		log.Miner.Info().Uint64("round", r.ID).Msg("Round already closed by another party")
		return nil
	}
	if o.rounds.Classify(cur).Kind != round.CloseNow {
		return nil
	}
	data, err := o.calls.PackEndRound()
	if err != nil {
		return fmt.Errorf("pack endRound: %w", err)
	}
	return o.submit(ctx, txpipe.Call{
		Kind:    types.TxEndRound,
		To:      o.calls.Address(),
		Data:    data,
		RoundID: r.ID,
	}, o.cfg.EndRoundGas)
}

// submit sends call and waits for it. Only fatal classifications are
// returned; everything else is reported and the loop resynchronizes.
func (o *Orchestrator) submit(ctx context.Context, call txpipe.Call, gas uint64) error {
	o.setState(StateSubmitting)
	defer func() {
		if o.State() == StateSubmitting {
			o.setState(StateMining)
		}
	}()

	signer := o.sessions.Signer()
	rec, err := o.pipe.Submit(ctx, call, signer, gas)
	if err == nil {
		o.bus.Publish(events.TransactionSubmitted{Record: *rec})
		rec, err = o.pipe.AwaitConfirmation(ctx, rec, o.cfg.Confirmations)
	}
	if err == nil {
		o.bus.Publish(events.TransactionConfirmed{Record: *rec})
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}

	class := txpipe.ClassOf(err)
	failed := events.TransactionFailed{TxKind: call.Kind, Class: class.String(), Fatal: class.Fatal(), Err: err.Error()}
	var te *txpipe.TxError
	if errors.As(err, &te) && te.Record != nil {
		cp := *te.Record
		failed.Record = &cp
	}
	o.bus.Publish(failed)

	switch class {
	case txpipe.UserRejected:
		o.bus.Publish(events.UserRejected{TxKind: call.Kind, Err: err.Error()})
		return err
	case txpipe.InsufficientFunds:
		return err
	case txpipe.Unauthorized, txpipe.Signer:
		if _, ok := o.sessions.SessionAddress(); ok && signer != nil && signer.Address() != o.sessions.Owner() {
			o.sessions.Downgrade(err.Error())
		}
		return nil
	case txpipe.Reverted, txpipe.Dropped:
		log.Miner.Info().Str("kind", call.Kind.String()).Str("class", class.String()).Msg("Wasted attempt, resynchronizing")
		return nil
	default:
		return o.transient(ctx, "submit_"+call.Kind.String(), err)
	}
}

// teardown releases session funds and emits Stopped.
func (o *Orchestrator) teardown(fatal, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.TeardownTimeout)
	defer cancel()

	if rec := o.pipe.Release(); rec != nil {
		log.Miner.Warn().Str("tx", rec.Hash.Hex()).Msg("Stopping with an unconfirmed transaction")
	}

	if addr, ok := o.sessions.SessionAddress(); ok {
		rec, err := o.sessions.ReleaseFunds(ctx, o.sessions.Owner())
		switch {
		case err != nil:
			o.bus.Publish(events.Error{
				Op:         "sweep",
				Err:        err.Error(),
				SessionKey: addr,
			})
		case rec != nil:
			o.bus.Publish(events.TransactionConfirmed{Record: *rec})
		}
	}

	o.setState(StateStopped)
	stopped := events.Stopped{Reason: stopReason(fatal, cause)}
	if fatal != nil {
		stopped.Err = fatal.Error()
	}
	o.bus.Publish(stopped)
	log.Miner.Info().Str("reason", stopped.Reason).Msg("Mining session stopped")
}

func stopReason(fatal, cause error) string {
	switch {
	case fatal != nil:
		if c := txpipe.ClassOf(fatal); c != txpipe.ClassUnknown {
			return c.String()
		}
		return "fatal error"
	case errors.Is(cause, ErrStopRequested):
		return "stop requested"
	case cause != nil:
		return cause.Error()
	}
	return "stopped"
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
