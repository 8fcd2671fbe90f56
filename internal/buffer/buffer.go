package buffer

import (
	"sync"
)

// Buffer collects items until they are drained as a batch.
type Buffer[T any] struct {
	mu sync.Mutex
	ts []T
}

func NewBuffer[T any]() *Buffer[T] {
	return &Buffer[T]{}
}

// Add appends e and reports the buffered length after the append.
func (b *Buffer[T]) Add(e T) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ts = append(b.ts, e)
	return len(b.ts)
}

func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ts)
}

// Drain returns every buffered item and empties the buffer.
func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	es := b.ts
	b.ts = nil
	b.mu.Unlock()
	return es
}
