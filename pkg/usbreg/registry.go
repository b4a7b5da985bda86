// Package usbreg tracks pen drives currently plugged into workstations.
// Clients re-announce a plugged drive every few seconds; an entry that is
// not refreshed within the TTL disappears on its own, so an unplugged drive
// never needs an explicit goodbye.
package usbreg

import (
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long a plug announcement stays valid without a refresh.
const DefaultTTL = 5 * time.Second

var timeNow = time.Now

type entry struct {
	doc  map[string]any
	seen time.Time
}

// Registry is a TTL map of plugged USB drives keyed by their hid.
type Registry struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]entry
}

// New returns a registry with the given TTL; ttl <= 0 uses DefaultTTL.
func New(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{ttl: ttl, entries: map[string]entry{}}
}

// Plug records or refreshes a drive. The document replaces any previous one
// for the same hid.
func (r *Registry) Plug(hid string, doc map[string]any) {
	if doc == nil {
		doc = map[string]any{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[hid] = entry{doc: doc, seen: timeNow()}
}

// Unplug drops a drive immediately. Unknown hids are fine.
func (r *Registry) Unplug(hid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, hid)
}

// List returns the documents of all live drives sorted by hid, pruning
// expired entries along the way.
func (r *Registry) List() []map[string]any {
	cutoff := timeNow().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	hids := make([]string, 0, len(r.entries))
	for hid, e := range r.entries {
		if e.seen.Before(cutoff) {
			delete(r.entries, hid)
			continue
		}
		hids = append(hids, hid)
	}
	sort.Strings(hids)

	out := make([]map[string]any, len(hids))
	for i, hid := range hids {
		out[i] = r.entries[hid].doc
	}
	return out
}

// Len reports the number of live drives.
func (r *Registry) Len() int {
	return len(r.List())
}
