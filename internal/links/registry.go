package links

import (
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/danmuck/latticectl/internal/observability"
	"github.com/rs/zerolog/log"
)

var (
	ErrConflict    = errors.New("links: interfaces overlap within link slot")
	ErrInvalidLink = errors.New("links: invalid link")
)

// Registry stores links grouped by LinkKey. Within one key every stored link has
// an interface set disjoint from the others.
type Registry struct {
	mu    sync.RWMutex
	slots map[LinkKey][]entry
}

// NewRegistry creates an empty link registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[LinkKey][]entry)}
}

// Insert stores link in its identity slot. A link whose interfaces overlap any
// link already in the slot, including an identical copy, is rejected with
// ErrConflict and the registry is left unchanged. Re-inserting an identical link
// with no interfaces is a no-op.
func (r *Registry) Insert(link Link) error {
	val := newEntry(link)
	key := val.link.LinkKey()

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.slots[key]
	if !ok {
		r.slots[key] = []entry{val}
		observability.RecordLinkOperation("insert", "created")
		return nil
	}
	for _, existing := range current {
		if overlap := existing.interfaces.intersect(val.interfaces); len(overlap) > 0 {
			observability.RecordLinkOperation("insert", "conflict")
			log.Debug().Msgf("links.Insert conflict key=%q overlap=%q", key.String(), overlap)
			return fmt.Errorf(
				"%w: links between the same component and package must have disjoint interfaces (key=%s overlap=%s)",
				ErrConflict,
				key,
				strings.Join(overlap, ","),
			)
		}
	}
	// Only links with empty interface sets can reach here equal to a stored entry.
	for _, existing := range current {
		if existing.equal(val) {
			observability.RecordLinkOperation("insert", "noop")
			return nil
		}
	}
	r.slots[key] = append(current, val)
	observability.RecordLinkOperation("insert", "added")
	return nil
}

// Remove deletes every link in the slot identified by key. Returns true if the slot existed.
func (r *Registry) Remove(key Keyer) bool {
	k := key.LinkKey()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.slots[k]; !ok {
		observability.RecordLinkOperation("remove", "missing")
		return false
	}
	delete(r.slots, k)
	observability.RecordLinkOperation("remove", "removed")
	return true
}

// All yields every stored link. Each call traverses a snapshot taken when iteration
// starts; ordering is unspecified.
func (r *Registry) All() iter.Seq[Link] {
	return func(yield func(Link) bool) {
		for _, link := range r.snapshot() {
			if !yield(link) {
				return
			}
		}
	}
}

// List returns a snapshot of every stored link.
func (r *Registry) List() []Link {
	return r.snapshot()
}

// Slot returns copies of the links stored under key.
func (r *Registry) Slot(key Keyer) []Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.slots[key.LinkKey()]
	out := make([]Link, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.link.clone())
	}
	return out
}

// Len returns the number of stored links across all slots.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, entries := range r.slots {
		n += len(entries)
	}
	return n
}

func (r *Registry) snapshot() []Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Link, 0, len(r.slots))
	for _, entries := range r.slots {
		for _, e := range entries {
			out = append(out, e.link.clone())
		}
	}
	return out
}
