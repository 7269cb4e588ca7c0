package sequence

import (
	"context"
	"sync"
)

type key struct {
	prefix string
	day    string
}

type counter struct {
	mu     sync.Mutex
	seeded bool
	last   int
}

// Memory keeps one counter per (prefix, day), each behind its own mutex.
// Counters are seeded from the store on first use so a restart continues the
// day's numbering.
type Memory struct {
	seed Seeder

	mu       sync.Mutex
	counters map[key]*counter
	latest   string
}

func NewMemory(seed Seeder) *Memory {
	return &Memory{seed: seed, counters: make(map[key]*counter)}
}

func (m *Memory) Next(ctx context.Context, prefix, day string) (int, error) {
	c := m.counter(prefix, day)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.seeded {
		max, err := m.max(ctx, prefix, day)
		if err != nil {
			return 0, err
		}
		c.last = max
		c.seeded = true
	}
	c.last++
	return c.last, nil
}

// Resync raises the counter to the stored maximum.
func (m *Memory) Resync(ctx context.Context, prefix, day string) error {
	c := m.counter(prefix, day)
	c.mu.Lock()
	defer c.mu.Unlock()

	max, err := m.max(ctx, prefix, day)
	if err != nil {
		return err
	}
	if max > c.last {
		c.last = max
	}
	c.seeded = true
	return nil
}

// Len reports how many keys are held.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}

func (m *Memory) counter(prefix, day string) *counter {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{prefix: prefix, day: day}
	if c, ok := m.counters[k]; ok {
		return c
	}
	if day > m.latest {
		// a new day started; earlier days never allocate again
		for old := range m.counters {
			if old.day < day {
				delete(m.counters, old)
			}
		}
		m.latest = day
	}
	c := &counter{}
	m.counters[k] = c
	return c
}

func (m *Memory) max(ctx context.Context, prefix, day string) (int, error) {
	if m.seed == nil {
		return 0, nil
	}
	return m.seed.MaxNumber(ctx, prefix, day)
}
