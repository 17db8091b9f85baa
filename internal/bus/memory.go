package bus

import (
	"context"
	"sync"
)

// MemoryBus dispatches each emit to every registered handler on its own
// goroutine, so a slow consumer never blocks the publisher.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
	wg       sync.WaitGroup
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]Handler)}
}

func (b *MemoryBus) Emit(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil
	}
	handlers := make([]Handler, len(b.handlers[topic]))
	copy(handlers, b.handlers[topic])
	// Register in-flight work before releasing the lock, so Close cannot
	// start waiting between the closed check and the Add.
	b.wg.Add(len(handlers))
	b.mu.RUnlock()

	data := make([]byte, len(payload))
	copy(data, payload)
	for _, h := range handlers {
		h := h
		go func() {
			defer b.wg.Done()
			h(context.WithoutCancel(ctx), data)
		}()
	}
	return nil
}

func (b *MemoryBus) On(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Close stops accepting emits and waits for in-flight handlers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
