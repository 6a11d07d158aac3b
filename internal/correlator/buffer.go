package correlator

import (
	"sync"
	"time"
)

// Buffer is a bounded, time-ordered event buffer. It enforces both a maximum
// element count and a maximum age; whichever bound is violated evicts from
// the head. Intake order is preserved.
//
// All methods are safe for concurrent use.
type Buffer[T any] struct {
	mu        sync.RWMutex
	items     []T
	maxSize   int
	maxAge    time.Duration
	timeOf    func(T) time.Time
	overflows int64

	now func() time.Time // injectable for tests
}

// NewBuffer creates a buffer retaining at most maxSize items, each no older
// than maxAge. timeOf extracts an item's event time for age eviction.
func NewBuffer[T any](maxSize int, maxAge time.Duration, timeOf func(T) time.Time) *Buffer[T] {
	return &Buffer[T]{
		items:   make([]T, 0, maxSize),
		maxSize: maxSize,
		maxAge:  maxAge,
		timeOf:  timeOf,
		now:     time.Now,
	}
}

// Add appends item to the tail and evicts anything that now violates the
// bounds.
func (b *Buffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = append(b.items, item)
	b.evict(b.now())
}

// Evict removes items older than now − maxAge and trims to maxSize.
func (b *Buffer[T]) Evict(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evict(now)
}

// Items returns a copy of the current contents in intake order.
func (b *Buffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}

// Len returns the current element count.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// MaxSize returns the configured element cap.
func (b *Buffer[T]) MaxSize() int { return b.maxSize }

// Overflows returns how many items were dropped because the buffer hit its
// element cap. Age-based eviction is normal retention and is not counted.
func (b *Buffer[T]) Overflows() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.overflows
}

// evict must be called with b.mu held.
func (b *Buffer[T]) evict(now time.Time) {
	cutoff := now.Add(-b.maxAge)

	start := 0
	for start < len(b.items) && b.timeOf(b.items[start]).Before(cutoff) {
		start++
	}
	keep := b.items[start:]

	if len(keep) > b.maxSize {
		dropped := len(keep) - b.maxSize
		b.overflows += int64(dropped)
		keep = keep[dropped:]
	}

	// Copy survivors to a fresh slice so evicted items do not pin memory.
	if start > 0 || len(keep) < len(b.items) {
		fresh := make([]T, len(keep), b.maxSize)
		copy(fresh, keep)
		b.items = fresh
	}
}
