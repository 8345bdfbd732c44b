package receiver

import (
	"sync"
	"time"
)

// transferSlot serializes the requests of one transfer inside this process and lets
// out of order chunks wait for the durable prefix to move.
type transferSlot struct {
	mu       sync.Mutex
	refs     int
	advanced chan struct{}
}

func (s *transferSlot) lock() {
	s.mu.Lock()
}

func (s *transferSlot) unlock() {
	s.mu.Unlock()
}

// changed returns a channel closed on the next signal. Must be called with the slot locked.
func (s *transferSlot) changed() <-chan struct{} {
	return s.advanced
}

// signal wakes every waiter. Must be called with the slot locked.
func (s *transferSlot) signal() {
	close(s.advanced)
	s.advanced = make(chan struct{})
}

type sequencer struct {
	mu    sync.Mutex
	slots map[string]*transferSlot
}

func newSequencer() *sequencer {
	return &sequencer{slots: map[string]*transferSlot{}}
}

func (s *sequencer) acquire(id string) *transferSlot {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[id]
	if !ok {
		slot = &transferSlot{advanced: make(chan struct{})}
		s.slots[id] = slot
	}
	slot.refs++
	return slot
}

func (s *sequencer) release(id string, slot *transferSlot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot.refs--
	if slot.refs == 0 {
		delete(s.slots, id)
	}
}

// completions remembers recently finished transfers so that a retried final chunk,
// whose response was lost, is acknowledged instead of starting a new transfer.
type completions struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]completedEntry
	now     func() time.Time
}

type completedEntry struct {
	at          time.Time
	totalChunks int
}

func newCompletions(ttl time.Duration) *completions {
	return &completions{
		ttl:     ttl,
		entries: map[string]completedEntry{},
		now:     time.Now,
	}
}

func (c *completions) add(id string, totalChunks int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if now.Sub(e.at) > c.ttl {
			delete(c.entries, k)
		}
	}
	c.entries[id] = completedEntry{at: now, totalChunks: totalChunks}
}

func (c *completions) get(id string) (completedEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || c.now().Sub(e.at) > c.ttl {
		return completedEntry{}, false
	}
	return e, true
}
