package snapshot

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned for session UUIDs no report has ever arrived for.
var ErrNotFound = errors.New("snapshot not found")

// Store holds the live snapshot records of this server instance, one per
// session UUID, in arrival order.
//
// A single coarse lock guards the whole map. The expected load is tens of
// concurrent devices, and keeping every mutation under one lock makes the
// merge-then-derive sequence atomic with respect to readers.
type Store struct {
	mu    sync.Mutex
	recs  map[uuid.UUID]*Record
	order []uuid.UUID
}

func NewStore() *Store {
	return &Store{recs: make(map[uuid.UUID]*Record)}
}

// Apply runs fn on the record for id, creating an empty record first when
// none exists. The whole call holds the store lock, so fn sees and produces
// consistent state. If fn fails on a record it just created, the record is
// dropped again: a rejected first report must leave no trace.
func (s *Store) Apply(id uuid.UUID, fn func(*Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		rec = NewRecord(id)
		s.recs[id] = rec
		s.order = append(s.order, id)
	}
	if err := fn(rec); err != nil {
		if !ok {
			delete(s.recs, id)
			s.order = s.order[:len(s.order)-1]
		}
		return err
	}
	return nil
}

// Mutate runs fn on an existing record under the store lock. Unlike Apply it
// never creates: unknown ids return ErrNotFound.
func (s *Store) Mutate(id uuid.UUID, fn func(*Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return ErrNotFound
	}
	return fn(rec)
}

// View returns the DeviceHub-safe projection of one record, or ErrNotFound.
func (s *Store) View(id uuid.UUID) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.ClientView(), nil
}

// ListAnnotated returns the annotated projections of every record, in the
// order their first report arrived. The projections are built under the
// store lock, so concurrent merges cannot tear an entry.
func (s *Store) ListAnnotated() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]map[string]any, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.recs[id].AnnotatedView())
	}
	return out
}

// Len returns the number of known records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}
