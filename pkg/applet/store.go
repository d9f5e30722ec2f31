package applet

import "sync"

// Store persists the durable card state. Commit must be atomic: after a
// crash either the previous or the new snapshot is visible, never a mix.
type Store interface {
	// Load returns the last committed state, or nil for a fresh card.
	Load() (*Durable, error)
	Commit(d *Durable) error
	Close() error
}

// MemoryStore keeps the encoded snapshot in memory. Each commit encodes the
// full state, so a failed encode leaves the previous snapshot in place.
type MemoryStore struct {
	mu   sync.Mutex
	snap []byte

	// FailCommit, when set, makes the next commits fail. Tests use it to
	// check that a failed commit leaves the card unchanged.
	FailCommit error
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Load() (*Durable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return nil, nil
	}
	return UnmarshalDurable(m.snap)
}

func (m *MemoryStore) Commit(d *Durable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCommit != nil {
		return m.FailCommit
	}
	b, err := d.Marshal()
	if err != nil {
		return err
	}
	m.snap = b
	return nil
}

func (m *MemoryStore) Close() error { return nil }
