package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BurstEntry is one transient scheduled send. Bursts live in process
// memory only; a restart loses them, the persistent queue does not.
type BurstEntry struct {
	ID          string
	BroadcastID int64 // 0 when no persisted record backs the entry
	Title       string
	Target      string // command target name: production or dev
	Body        string
	MediaPaths  []string
	FireAt      time.Time

	timer *time.Timer
}

// burstRegistry tracks active burst entries and their cancellation
// handles.
type burstRegistry struct {
	mu      sync.Mutex
	entries map[string]*BurstEntry
}

func newBurstRegistry() *burstRegistry {
	return &burstRegistry{entries: make(map[string]*BurstEntry)}
}

// add registers the entry and arms its timer. fire runs on the timer
// goroutine after the entry has been removed from the registry.
func (r *burstRegistry) add(e *BurstEntry, fire func(*BurstEntry)) string {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e.timer = time.AfterFunc(time.Until(e.FireAt), func() {
		if r.take(e.ID) != nil {
			fire(e)
		}
	})
	r.entries[e.ID] = e
	return e.ID
}

// take removes and returns the entry without stopping its timer; nil when
// already gone.
func (r *burstRegistry) take(id string) *BurstEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	delete(r.entries, id)
	return e
}

// cancel stops one entry's timer and removes it.
func (r *burstRegistry) cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(r.entries, id)
	return true
}

// drain cancels every timer and returns the entries sorted by fire time.
func (r *burstRegistry) drain() []*BurstEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*BurstEntry, 0, len(r.entries))
	for _, e := range r.entries {
		e.timer.Stop()
		out = append(out, e)
	}
	r.entries = make(map[string]*BurstEntry)
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out
}

// list returns a snapshot sorted by fire time, timers untouched.
func (r *burstRegistry) list() []*BurstEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*BurstEntry, 0, len(r.entries))
	for _, e := range r.entries {
		cp := *e
		cp.timer = nil
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out
}

func (r *burstRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
