package pending

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Entry is a correlation id awaiting resolution
type Entry struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

type entry struct {
	createdAt time.Time
	// replies carries a manually submitted reply to whoever is still waiting
	// on this id. Buffered so Resolve never blocks on an abandoned waiter.
	replies chan string
}

// Registry is the set of correlation ids that are still waiting for a reply.
// All operations are safe for concurrent use; membership checks and removal
// happen under a single lock so an id can only ever be consumed once.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	clock   clockwork.Clock
}

// NewRegistry creates an empty registry. A nil clock uses the real clock.
func NewRegistry(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		entries: make(map[string]*entry),
		clock:   clock,
	}
}

// Add registers id and reports whether it was new. Adding an id that is
// already pending keeps its waiter and restarts its age for Sweep.
func (r *Registry) Add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, exists := r.entries[id]; exists {
		e.createdAt = r.clock.Now()
		return false
	}
	r.entries[id] = &entry{
		createdAt: r.clock.Now(),
		replies:   make(chan string, 1),
	}
	return true
}

// Remove deletes id and reports whether it was pending.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; !exists {
		return false
	}
	delete(r.entries, id)
	return true
}

// Resolve consumes id and hands message to the caller waiting on it, if any.
// Returns false when id is unknown or was already consumed.
func (r *Registry) Resolve(id, message string) bool {
	r.mu.Lock()
	e, exists := r.entries[id]
	if !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	// Queued before the lock is released so anyone who sees the id gone
	// also sees the message. Buffered, and this is the only send.
	e.replies <- message
	r.mu.Unlock()
	return true
}

// Contains reports whether id is pending.
func (r *Registry) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.entries[id]
	return exists
}

// Waiter returns the channel on which a manual reply for id is delivered.
func (r *Registry) Waiter(id string) (<-chan string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[id]
	if !exists {
		return nil, false
	}
	return e.replies, true
}

// Len returns the number of pending ids.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// List returns a snapshot of pending entries, oldest first.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]Entry, 0, len(r.entries))
	for id, e := range r.entries {
		list = append(list, Entry{ID: id, CreatedAt: e.createdAt})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Sweep removes ids that have been pending for longer than ttl and returns
// them sorted. A non-positive ttl disables sweeping.
func (r *Registry) Sweep(ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}

	cutoff := r.clock.Now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for id, e := range r.entries {
		if e.createdAt.Before(cutoff) {
			delete(r.entries, id)
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired
}
