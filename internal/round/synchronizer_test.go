package round

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingnet-miner/pkg/types"
)

type fakeReader struct {
	mu     sync.Mutex
	rounds []types.Round
	idx    int
	head   time.Time
	err    error
}

func (f *fakeReader) CurrentRound(ctx context.Context) (types.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return types.Round{}, f.err
	}
	r := f.rounds[f.idx]
	if f.idx < len(f.rounds)-1 {
		f.idx++
	}
	return r, nil
}

func (f *fakeReader) ChainTime(ctx context.Context) (time.Time, error) {
	return f.head, nil
}

func roundsWithIDs(ids ...uint64) []types.Round {
	out := make([]types.Round, len(ids))
	for i, id := range ids {
		out[i] = types.Round{ID: id, StartTime: roundStart, SeedHash: common.BigToHash(common.Big1)}
	}
	return out
}

func TestTracker_SingleTransition(t *testing.T) {
	tr := NewTracker()
	var transitions []int
	for i, r := range roundsWithIDs(5, 5, 5, 6, 6) {
		if tr.Observe(r).Transition {
			transitions = append(transitions, i)
		}
	}
	if len(transitions) != 1 || transitions[0] != 3 {
		t.Fatalf("transitions at reads %v, want exactly [3] (4th read)", transitions)
	}
}

func TestTracker_FirstIsNotTransition(t *testing.T) {
	tr := NewTracker()
	c := tr.Observe(types.Round{ID: 9})
	if !c.First || c.Transition {
		t.Fatalf("first observation = %+v, want First only", c)
	}
	tr.Reset()
	if c := tr.Observe(types.Round{ID: 10}); !c.First {
		t.Fatalf("observation after Reset = %+v, want First", c)
	}
}

func TestTracker_SeedChange(t *testing.T) {
	tr := NewTracker()
	tr.Observe(types.Round{ID: 3, SeedHash: common.HexToHash("0x01")})
	c := tr.Observe(types.Round{ID: 3, SeedHash: common.HexToHash("0x02")})
	if c.Transition || !c.SeedChanged {
		t.Fatalf("Observe = %+v, want SeedChanged without Transition", c)
	}
	if c.Previous.SeedHash != common.HexToHash("0x01") {
		t.Fatalf("Previous seed = %s", c.Previous.SeedHash)
	}
}

func TestSynchronizer_PollTransitions(t *testing.T) {
	reader := &fakeReader{rounds: roundsWithIDs(5, 5, 5, 6, 6)}
	s := NewSynchronizer(reader, Options{
		Policy: testPolicy(),
		Now:    func() time.Time { return roundStart.Add(40 * time.Second) },
	})

	count := 0
	for i := 0; i < 5; i++ {
		snap, err := s.Poll(context.Background())
		if err != nil {
			t.Fatalf("Poll %d: %v", i, err)
		}
		if snap.Change.Transition {
			count++
			if i != 3 {
				t.Errorf("transition on read %d, want read 3", i)
			}
		}
		if snap.Phase != (Phase{Kind: Mine, Remaining: 10 * time.Second}) {
			t.Errorf("Poll %d phase = %s", i, snap.Phase)
		}
	}
	if count != 1 {
		t.Fatalf("got %d transitions, want 1", count)
	}
}

func TestSynchronizer_FetchDoesNotObserve(t *testing.T) {
	reader := &fakeReader{rounds: roundsWithIDs(1, 2, 2)}
	s := NewSynchronizer(reader, Options{Policy: testPolicy()})

	if _, err := s.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	snap, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !snap.Change.First {
		t.Fatalf("Poll after Fetch = %+v, want First", snap.Change)
	}
}

func TestSynchronizer_DriftCorrection(t *testing.T) {
	local := roundStart.Add(30 * time.Second)
	reader := &fakeReader{
		rounds: roundsWithIDs(1),
		head:   local.Add(8 * time.Second), // chain runs 8s ahead
	}
	s := NewSynchronizer(reader, Options{
		Policy:          testPolicy(),
		DriftCorrection: true,
		Now:             func() time.Time { return local },
	})

	snap, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if s.Offset() != 8*time.Second {
		t.Fatalf("Offset = %s, want 8s", s.Offset())
	}
	// Age 38s at chain time: 60 - 38 - 10 = 12s of mining left.
	if snap.Phase != (Phase{Kind: Mine, Remaining: 12 * time.Second}) {
		t.Fatalf("phase = %s, want mine(12s)", snap.Phase)
	}
}

func TestSynchronizer_ReadError(t *testing.T) {
	boom := errors.New("connection refused")
	s := NewSynchronizer(&fakeReader{err: boom}, Options{})
	if _, err := s.Poll(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Poll err = %v, want wrapped %v", err, boom)
	}
}

type slowReader struct{ fakeReader }

func (s *slowReader) CurrentRound(ctx context.Context) (types.Round, error) {
	<-ctx.Done()
	return types.Round{}, ctx.Err()
}

func TestSynchronizer_ReadTimeout(t *testing.T) {
	s := NewSynchronizer(&slowReader{}, Options{ReadTimeout: 20 * time.Millisecond})
	start := time.Now()
	_, err := s.Fetch(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Fetch err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("read was not bounded by ReadTimeout")
	}
}
