package round

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-miner/pkg/types"
)

// DefaultReadTimeout bounds a single chain read.
const DefaultReadTimeout = 5 * time.Second

// RoundReader reads round state from the chain.
type RoundReader interface {
	CurrentRound(ctx context.Context) (types.Round, error)
	// ChainTime returns the timestamp of the latest block.
	ChainTime(ctx context.Context) (time.Time, error)
}

// Snapshot is the result of one poll.
type Snapshot struct {
	Round  types.Round
	Phase  Phase
	Change Change
	// Now is the drift-corrected time the phase was computed at.
	Now time.Time
}

// Options configures a Synchronizer.
type Options struct {
	Policy      Policy
	ReadTimeout time.Duration
	// DriftCorrection aligns the local clock with the chain head timestamp.
	DriftCorrection bool
	// Now overrides the local clock. Used in tests.
	Now func() time.Time
}

// Synchronizer polls the chain for the current round and classifies it.
type Synchronizer struct {
	reader  RoundReader
	opts    Options
	tracker *Tracker

	mu     sync.RWMutex
	offset time.Duration
}

// NewSynchronizer creates a synchronizer reading from r.
func NewSynchronizer(r RoundReader, opts Options) *Synchronizer {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Synchronizer{reader: r, opts: opts, tracker: NewTracker()}
}

// Policy returns the classification policy.
func (s *Synchronizer) Policy() Policy {
	return s.opts.Policy
}

// Now returns the local clock corrected by the last observed chain drift.
func (s *Synchronizer) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts.Now().Add(s.offset)
}

// Offset returns the current clock correction.
func (s *Synchronizer) Offset() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}

// Fetch reads the current round without recording it as observed.
func (s *Synchronizer) Fetch(ctx context.Context) (types.Round, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ReadTimeout)
	defer cancel()
	r, err := s.reader.CurrentRound(ctx)
	if err != nil {
		return types.Round{}, fmt.Errorf("read round: %w", err)
	}
	return r, nil
}

// Poll reads the round, refreshes drift correction, classifies the round
// and records it for transition detection.
func (s *Synchronizer) Poll(ctx context.Context) (Snapshot, error) {
	r, err := s.Fetch(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if s.opts.DriftCorrection {
		if err := s.syncClock(ctx); err != nil {
			return Snapshot{}, err
		}
	}
	now := s.Now()
	return Snapshot{
		Round:  r,
		Phase:  Classify(r, now, s.opts.Policy),
		Change: s.tracker.Observe(r),
		Now:    now,
	}, nil
}

// Classify classifies r at the corrected current time.
func (s *Synchronizer) Classify(r types.Round) Phase {
	return Classify(r, s.Now(), s.opts.Policy)
}

// Reset forgets the last observed round.
func (s *Synchronizer) Reset() {
	s.tracker.Reset()
}

func (s *Synchronizer) syncClock(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ReadTimeout)
	defer cancel()
	head, err := s.reader.ChainTime(ctx)
	if err != nil {
		return fmt.Errorf("read chain time: %w", err)
	}
	s.mu.Lock()
	s.offset = head.Sub(s.opts.Now())
	s.mu.Unlock()
	return nil
}
