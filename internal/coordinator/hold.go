package coordinator

import (
	"sync"
	"time"
)

// holdTable keeps the optimistic state of outputs that were just commanded.
// While an entry is live, reads return it instead of the controller's frame;
// once it expires the output follows the frame again.
type holdTable struct {
	mu      sync.Mutex
	d       time.Duration
	now     func() time.Time
	entries map[int]holdEntry
}

type holdEntry struct {
	state State
	until time.Time
}

func newHoldTable(d time.Duration, now func() time.Time) *holdTable {
	return &holdTable{d: d, now: now, entries: make(map[int]holdEntry)}
}

func (h *holdTable) hold(id int, s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[id] = holdEntry{state: s, until: h.now().Add(h.d)}
}

// get returns the held state of id, dropping the entry if it expired.
func (h *holdTable) get(id int) (State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[id]
	if !ok {
		return State{}, false
	}
	if !h.now().Before(e.until) {
		delete(h.entries, id)
		return State{}, false
	}
	return e.state, true
}

func (h *holdTable) forget(id int) {
	h.mu.Lock()
	delete(h.entries, id)
	h.mu.Unlock()
}
