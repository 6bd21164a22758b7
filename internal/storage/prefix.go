package storage

// Namespace is a view of a DB in which every key lives under "<name>/".
// Several components can then share the agent's single badger directory;
// the transaction journal is kept under "tx/".
type Namespace struct {
	db   DB
	head []byte
}

// NewNamespace returns the view of db under name.
func NewNamespace(db DB, name string) *Namespace {
	return &Namespace{db: db, head: []byte(name + "/")}
}

// key joins the namespace head and k into a fresh slice; callers may keep
// or mutate k afterwards.
func (n *Namespace) key(k []byte) []byte {
	out := make([]byte, 0, len(n.head)+len(k))
	return append(append(out, n.head...), k...)
}

func (n *Namespace) Get(k []byte) ([]byte, error) { return n.db.Get(n.key(k)) }

func (n *Namespace) Put(k, value []byte) error { return n.db.Put(n.key(k), value) }

func (n *Namespace) Delete(k []byte) error { return n.db.Delete(n.key(k)) }

func (n *Namespace) Has(k []byte) (bool, error) { return n.db.Has(n.key(k)) }

// ForEach visits the keys of this namespace that start with prefix, in key
// order. fn sees keys relative to the namespace.
func (n *Namespace) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	skip := len(n.head)
	return n.db.ForEach(n.key(prefix), func(k, v []byte) error {
		return fn(k[skip:], v)
	})
}

// Close leaves the shared DB open. Its owner closes it.
func (n *Namespace) Close() error { return nil }
