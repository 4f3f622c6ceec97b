package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type memoryEntry struct {
	n       atomic.Int64
	expires int64
}

// MemoryCounter is a process-local Counter. Increments are lock-free atomic
// adds; Sweep drops expired keys.
type MemoryCounter struct {
	entries sync.Map
	now     func() time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{now: time.Now}
}

// Increment implements Counter.
func (m *MemoryCounter) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	if v, ok := m.entries.Load(key); ok {
		return v.(*memoryEntry).n.Add(1), nil
	}
	fresh := &memoryEntry{expires: m.now().Add(ttl).UnixNano()}
	v, _ := m.entries.LoadOrStore(key, fresh)
	return v.(*memoryEntry).n.Add(1), nil
}

// Sweep removes expired counters and returns how many were dropped.
func (m *MemoryCounter) Sweep() int {
	now := m.now().UnixNano()
	dropped := 0
	m.entries.Range(func(k, v any) bool {
		if v.(*memoryEntry).expires <= now {
			m.entries.Delete(k)
			dropped++
		}
		return true
	})
	return dropped
}

// Run sweeps every interval until ctx is done.
func (m *MemoryCounter) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}
