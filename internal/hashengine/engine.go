// Package hashengine searches the nonce space for the smallest mining hash.
package hashengine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingnet-miner/pkg/crypto"
	"github.com/Klingon-tech/klingnet-miner/pkg/types"
)

// Engine errors.
var (
	ErrCancelled   = errors.New("search cancelled")
	ErrBadDuration = errors.New("search duration must be > 0")
)

// Defaults.
const (
	DefaultBatchSize        = 1000
	DefaultProgressInterval = time.Second
)

// Config controls the search loop.
type Config struct {
	// Workers is the number of hashing goroutines. 0 or 1 = single worker.
	Workers int
	// BatchSize is the number of nonces hashed between cancellation checks.
	BatchSize int
	// ProgressInterval is the minimum spacing of progress callbacks.
	ProgressInterval time.Duration
	// RateWindow is the span of the smoothed hash rate.
	RateWindow time.Duration
	// NonceRange bounds nonces to [0, NonceRange). nil = full uint256.
	NonceRange *uint256.Int
}

// Progress is reported to the caller while a search runs.
type Progress struct {
	HashRate float64 // kH/s over the rate window
	Hashes   uint64  // hashes in this search so far
	Best     *types.MiningAttempt
}

// Engine runs nonce searches and keeps hash-rate statistics across them.
// Only one Search may run at a time.
type Engine struct {
	cfg       Config
	rate      *RateWindow
	now       func() time.Time
	newSource func() (NonceSource, error)
}

// New creates an engine, filling in defaults for zero config fields.
func New(cfg Config) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	e := &Engine{
		cfg:  cfg,
		rate: NewRateWindow(cfg.RateWindow),
		now:  time.Now,
	}
	e.newSource = func() (NonceSource, error) { return NewNonceSource(cfg.NonceRange) }
	return e
}

// HashRate returns the current smoothed hash rate in kH/s.
func (e *Engine) HashRate() float64 {
	return e.rate.Rate(e.now())
}

// ResetRate clears the hash-rate window (called on round transition).
func (e *Engine) ResetRate() {
	e.rate.Reset()
}

// searchState is shared by the workers of one search.
type searchState struct {
	mu     sync.Mutex
	best   *types.MiningAttempt
	hashes atomic.Uint64
}

// offer replaces the shared best if a is strictly better, so the best
// never regresses over the course of a search.
func (s *searchState) offer(a *types.MiningAttempt) {
	s.mu.Lock()
	if a.Better(s.best) {
		s.best = a
	}
	s.mu.Unlock()
}

func (s *searchState) snapshot() *types.MiningAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.best.Clone()
}

// Search hashes random nonces for identity and seed until duration elapses
// and returns the best attempt found.
//
// When ctx is cancelled the search stops within one batch per worker and
// returns a nil attempt with an error wrapping ErrCancelled and the
// cancellation cause. Partial results are discarded on cancellation.
func (e *Engine) Search(ctx context.Context, identity common.Address, seed common.Hash,
	duration time.Duration, onProgress func(Progress)) (*types.MiningAttempt, error) {
	if duration <= 0 {
		return nil, ErrBadDuration
	}

	sources := make([]NonceSource, e.cfg.Workers)
	for i := range sources {
		src, err := e.newSource()
		if err != nil {
			return nil, err
		}
		sources[i] = src
	}

	start := e.now()
	deadline := start.Add(duration)
	st := &searchState{}
	e.rate.Add(start, 0)

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.work(ctx, st, identity, seed, src, deadline)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(e.cfg.ProgressInterval)
	defer ticker.Stop()
	var reported uint64
	sample := func() {
		total := st.hashes.Load()
		e.rate.Add(e.now(), total-reported)
		reported = total
	}

wait:
	for {
		select {
		case <-done:
			break wait
		case <-ticker.C:
			sample()
			if onProgress != nil {
				onProgress(Progress{
					HashRate: e.HashRate(),
					Hashes:   reported,
					Best:     st.snapshot(),
				})
			}
		}
	}
	sample()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	}
	best := st.snapshot()
	if best == nil {
		return nil, fmt.Errorf("%w: no attempt produced", ErrCancelled)
	}
	return best, nil
}

// work is the per-worker hashing loop. It yields to the scheduler after
// every batch and exits once the deadline passes or ctx is cancelled.
func (e *Engine) work(ctx context.Context, st *searchState, identity common.Address, seed common.Hash,
	src NonceSource, deadline time.Time) {
	h := crypto.NewHasher(identity, seed)
	batch := e.cfg.BatchSize

	var (
		nonce     uint256.Int
		value     uint256.Int
		sum       common.Hash
		localBest *uint256.Int
	)
	for {
		for range batch {
			src.Next(&nonce)
			h.SumInto(&nonce, &sum)
			value.SetBytes32(sum[:])
			if localBest == nil || value.Lt(localBest) {
				localBest = value.Clone()
				st.offer(&types.MiningAttempt{
					Nonce: nonce.Clone(),
					Hash:  sum,
					Value: value.Clone(),
					Seed:  seed,
				})
			}
		}
		st.hashes.Add(uint64(batch))

		if ctx.Err() != nil || !e.now().Before(deadline) {
			return
		}
		runtime.Gosched()
	}
}
