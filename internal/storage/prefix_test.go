package storage

import (
	"errors"
	"testing"
)

func TestNamespace_Namespaces(t *testing.T) {
	inner := NewMemory()
	journal := NewNamespace(inner, "tx")
	session := NewNamespace(inner, "session")

	if err := journal.Put([]byte("k"), []byte("record")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := session.Put([]byte("k"), []byte("key")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := journal.Get([]byte("k"))
	if err != nil || string(got) != "record" {
		t.Fatalf("journal.Get = %q, %v", got, err)
	}
	got, err = session.Get([]byte("k"))
	if err != nil || string(got) != "key" {
		t.Fatalf("session.Get = %q, %v", got, err)
	}

	raw, err := inner.Get([]byte("tx/k"))
	if err != nil || string(raw) != "record" {
		t.Fatalf("inner key not prefixed: %q, %v", raw, err)
	}

	if ok, _ := journal.Has([]byte("session/k")); ok {
		t.Fatal("journal namespace leaks session keys")
	}

	if err := journal.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := journal.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Delete err = %v, want ErrNotFound", err)
	}
}

func TestNamespace_ForEachStripsNamespace(t *testing.T) {
	db := NewNamespace(NewMemory(), "tx")
	db.Put([]byte("p/02"), []byte("b"))
	db.Put([]byte("p/01"), []byte("a"))
	db.Put([]byte("h/ff"), []byte("c"))

	var keys []string
	err := db.ForEach([]byte("p/"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if len(keys) != 2 || keys[0] != "p/01" || keys[1] != "p/02" {
		t.Fatalf("ForEach keys = %v, want [p/01 p/02]", keys)
	}
}

func TestNamespace_ForEachStop(t *testing.T) {
	db := NewNamespace(NewMemory(), "x")
	for _, k := range []string{"a", "b", "c", "d"} {
		db.Put([]byte(k), []byte("v"))
	}
	stop := errors.New("stop")
	n := 0
	err := db.ForEach(nil, func(_, _ []byte) error {
		n++
		if n == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) || n != 2 {
		t.Fatalf("ForEach = (%v, %d calls), want (stop, 2)", err, n)
	}
}

func TestNamespace_CallerKeyUntouched(t *testing.T) {
	db := NewNamespace(NewMemory(), "tx")
	k := make([]byte, 1, 64)
	k[0] = 'a'
	db.Put(k, []byte("v"))
	if spare := k[:2]; spare[0] != 'a' || spare[1] != 0 {
		t.Fatalf("Put wrote into the caller's key buffer: %q", spare)
	}
	if got, err := db.Get([]byte("a")); err != nil || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, err)
	}
}

func TestNamespace_CloseLeavesInnerOpen(t *testing.T) {
	inner := NewMemory()
	a := NewNamespace(inner, "a")
	b := NewNamespace(inner, "b")
	b.Put([]byte("1"), []byte("other"))

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got, err := b.Get([]byte("1")); err != nil || string(got) != "other" {
		t.Fatalf("b.Get after a.Close = %q, %v", got, err)
	}
	if ok, _ := inner.Has([]byte("b/1")); !ok {
		t.Fatal("inner store affected by namespace Close")
	}
}
