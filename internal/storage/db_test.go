package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-miner/internal/log"
)

// orderKey mimics the journal's time index: "t/" + big-endian nanos.
func orderKey(n uint64) []byte {
	k := make([]byte, 2+8)
	copy(k, "t/")
	binary.BigEndian.PutUint64(k[2:], n)
	return k
}

// testDB runs the shared suite against a DB implementation.
func testDB(t *testing.T, db DB) {
	t.Helper()

	t.Run("RecordLifecycle", func(t *testing.T) {
		key := append([]byte("h/"), bytes.Repeat([]byte{0xab}, 32)...)
		if err := db.Put(key, []byte(`{"status":"pending"}`)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := db.Put(key, []byte(`{"status":"confirmed"}`)); err != nil {
			t.Fatalf("Put overwrite: %v", err)
		}
		got, err := db.Get(key)
		if err != nil || string(got) != `{"status":"confirmed"}` {
			t.Fatalf("Get = %q, %v", got, err)
		}
		if ok, err := db.Has(key); err != nil || !ok {
			t.Fatalf("Has = %v, %v", ok, err)
		}

		if err := db.Delete(key); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := db.Get(key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get after Delete err = %v, want ErrNotFound", err)
		}
		if ok, _ := db.Has(key); ok {
			t.Fatal("Has after Delete = true")
		}
		if err := db.Delete([]byte("h/never")); err != nil {
			t.Fatalf("Delete missing key: %v", err)
		}
	})

	t.Run("EmptyValueIndex", func(t *testing.T) {
		if err := db.Put(orderKey(1), nil); err != nil {
			t.Fatalf("Put nil value: %v", err)
		}
		got, err := db.Get(orderKey(1))
		if err != nil || len(got) != 0 {
			t.Fatalf("Get = %q, %v", got, err)
		}
	})

	t.Run("ForEachTimeOrder", func(t *testing.T) {
		// Written out of order; big-endian keys iterate chronologically.
		for _, n := range []uint64{300, 1 << 40, 2, 70_000} {
			db.Put(orderKey(n), nil)
		}
		db.Put([]byte("h/x"), []byte("not an index entry"))

		var seen []uint64
		err := db.ForEach([]byte("t/"), func(key, _ []byte) error {
			seen = append(seen, binary.BigEndian.Uint64(key[2:]))
			return nil
		})
		if err != nil {
			t.Fatalf("ForEach: %v", err)
		}
		want := []uint64{1, 2, 300, 70_000, 1 << 40}
		if len(seen) != len(want) {
			t.Fatalf("ForEach saw %v, want %v", seen, want)
		}
		for i := range want {
			if seen[i] != want[i] {
				t.Fatalf("ForEach saw %v, want %v", seen, want)
			}
		}
	})

	t.Run("ForEachCopies", func(t *testing.T) {
		db.Put([]byte("c/1"), []byte("one"))
		var keys, vals [][]byte
		db.ForEach([]byte("c/"), func(k, v []byte) error {
			keys, vals = append(keys, k), append(vals, v)
			return nil
		})
		if len(keys) != 1 || string(keys[0]) != "c/1" || string(vals[0]) != "one" {
			t.Fatalf("ForEach retained %q=%q", keys, vals)
		}
	})

	t.Run("ForEachNoMatch", func(t *testing.T) {
		err := db.ForEach([]byte("none/"), func(_, _ []byte) error {
			return errors.New("called")
		})
		if err != nil {
			t.Fatalf("ForEach on empty prefix: %v", err)
		}
	})
}

func TestMemoryDB(t *testing.T) {
	db := NewMemory()
	defer db.Close()
	testDB(t, db)
}

func TestMemoryDB_CopiesValues(t *testing.T) {
	db := NewMemory()
	buf := []byte("mutable")
	db.Put([]byte("k"), buf)
	buf[0] = 'X'

	got, _ := db.Get([]byte("k"))
	if string(got) != "mutable" {
		t.Errorf("stored value aliased caller buffer: %q", got)
	}
}

func TestBadgerDB(t *testing.T) {
	log.Nop()
	db, err := NewBadger(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	defer db.Close()
	testDB(t, db)
}

func TestBadgerDB_Reopen(t *testing.T) {
	log.Nop()
	dir := t.TempDir()

	db, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	db.Put(orderKey(42), []byte("rec"))

	// A second open while the first holds the directory lock fails.
	if second, err := NewBadger(dir); err == nil {
		second.Close()
		t.Fatal("second open of a locked journal succeeded")
	}
	db.Close()

	db, err = NewBadger(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if got, err := db.Get(orderKey(42)); err != nil || string(got) != "rec" {
		t.Fatalf("Get after reopen = %q, %v", got, err)
	}
}
