package txpipe

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingnet-miner/internal/storage"
	"github.com/Klingon-tech/klingnet-miner/pkg/types"
)

var (
	prefixRecord = []byte("h/") // h/<txhash(32)> -> TxRecord JSON
	prefixOrder  = []byte("t/") // t/<submitted unix nanos(8)><txhash(32)> -> nil
)

// Journal persists transaction records.
type Journal struct {
	db storage.DB
}

// NewJournal stores records under the "tx/" namespace of db.
func NewJournal(db storage.DB) *Journal {
	return &Journal{db: storage.NewNamespace(db, "tx")}
}

func recordKey(h common.Hash) []byte {
	return append(append([]byte{}, prefixRecord...), h[:]...)
}

func orderKey(rec *types.TxRecord) []byte {
	key := make([]byte, len(prefixOrder)+8+common.HashLength)
	copy(key, prefixOrder)
	binary.BigEndian.PutUint64(key[len(prefixOrder):], uint64(rec.SubmittedAt.UnixNano()))
	copy(key[len(prefixOrder)+8:], rec.Hash[:])
	return key
}

// Put stores or updates rec.
func (j *Journal) Put(rec *types.TxRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal marshal: %w", err)
	}
	has, err := j.db.Has(recordKey(rec.Hash))
	if err != nil {
		return fmt.Errorf("journal has: %w", err)
	}
	if err := j.db.Put(recordKey(rec.Hash), data); err != nil {
		return fmt.Errorf("journal put: %w", err)
	}
	if !has {
		if err := j.db.Put(orderKey(rec), nil); err != nil {
			return fmt.Errorf("journal index: %w", err)
		}
	}
	return nil
}

// Get loads the record for hash.
func (j *Journal) Get(hash common.Hash) (*types.TxRecord, error) {
	data, err := j.db.Get(recordKey(hash))
	if err != nil {
		return nil, fmt.Errorf("journal get %s: %w", hash, err)
	}
	var rec types.TxRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("journal unmarshal: %w", err)
	}
	return &rec, nil
}

// ForEach visits records in submission order.
func (j *Journal) ForEach(fn func(*types.TxRecord) error) error {
	return j.db.ForEach(prefixOrder, func(key, _ []byte) error {
		if len(key) != len(prefixOrder)+8+common.HashLength {
			return nil
		}
		rec, err := j.Get(common.BytesToHash(key[len(prefixOrder)+8:]))
		if err != nil {
			return err
		}
		return fn(rec)
	})
}

// Recent returns up to n of the most recently submitted records, newest
// first.
func (j *Journal) Recent(n int) ([]*types.TxRecord, error) {
	var all []*types.TxRecord
	err := j.ForEach(func(rec *types.TxRecord) error {
		all = append(all, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*types.TxRecord, 0, min(n, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// Pending returns records that never reached a terminal status.
func (j *Journal) Pending() ([]*types.TxRecord, error) {
	var out []*types.TxRecord
	err := j.ForEach(func(rec *types.TxRecord) error {
		if !rec.Status.Terminal() {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}
