package progress

import (
	"context"
	"sync"
	"time"

	"github.com/adlens/adlens/internal/model"
)

// MemoryChannel is an in-process Channel for single-node deployments and
// tests. Entries expire after the TTL; every publish refreshes it.
type MemoryChannel struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	ttl     time.Duration
	stop    chan struct{}
	once    sync.Once
}

type memoryEntry struct {
	current   *model.ProgressPayload
	expiresAt time.Time
	subs      map[int]chan model.ProgressPayload
	nextSub   int
}

// NewMemory creates a MemoryChannel with the given entry TTL.
func NewMemory(ttl time.Duration) *MemoryChannel {
	c := &MemoryChannel{
		entries: make(map[string]*memoryEntry),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *MemoryChannel) sweep() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for id, e := range c.entries {
				if len(e.subs) == 0 && now.After(e.expiresAt) {
					delete(c.entries, id)
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *MemoryChannel) entry(jobID string) *memoryEntry {
	e, ok := c.entries[jobID]
	if !ok {
		e = &memoryEntry{subs: make(map[int]chan model.ProgressPayload)}
		c.entries[jobID] = e
	}
	return e
}

func (c *MemoryChannel) Publish(_ context.Context, jobID string, payload model.ProgressPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(jobID)
	p := payload
	e.current = &p
	e.expiresAt = time.Now().Add(c.ttl)

	for _, sub := range e.subs {
		// Latest-wins delivery: a slow reader loses intermediate updates,
		// never the most recent one.
		select {
		case sub <- payload:
		default:
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- payload:
			default:
			}
		}
	}
	return nil
}

func (c *MemoryChannel) Subscribe(_ context.Context, jobID string) (<-chan model.ProgressPayload, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(jobID)
	id := e.nextSub
	e.nextSub++

	ch := make(chan model.ProgressPayload, 1)
	e.subs[id] = ch
	if e.current != nil {
		ch <- *e.current
	}

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if entry, ok := c.entries[jobID]; ok {
			delete(entry.subs, id)
		}
	}
	return ch, cancel, nil
}

func (c *MemoryChannel) Current(_ context.Context, jobID string) (*model.ProgressPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[jobID]
	if !ok || e.current == nil || time.Now().After(e.expiresAt) {
		return nil, nil
	}
	p := *e.current
	return &p, nil
}

func (c *MemoryChannel) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}
