// Package hub tracks the live sockets attached to this node. It is the local
// half of the push delivery channel: the registry knows which connections
// exist anywhere, the hub knows which of them this process can write to.
package hub

import (
	"errors"
	"sync"
)

// Writer pushes bytes to one specific open connection.
type Writer interface {
	Write(message []byte) error
	Close() error
}

// ErrNotAttached means the connection's socket is not held by this node,
// either because it lives elsewhere or because it already went away.
var ErrNotAttached = errors.New("connection not attached")

type Hub struct {
	mu      sync.RWMutex
	writers map[string]Writer
}

func New() *Hub {
	return &Hub{writers: make(map[string]Writer)}
}

func (h *Hub) Attach(connectionID string, w Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writers[connectionID] = w
}

func (h *Hub) Detach(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.writers, connectionID)
}

// Send writes to the named connection. A failed write closes and detaches
// the writer; the caller sees the write error either way.
func (h *Hub) Send(connectionID string, message []byte) error {
	h.mu.RLock()
	w, ok := h.writers[connectionID]
	h.mu.RUnlock()
	if !ok {
		return ErrNotAttached
	}
	if err := w.Write(message); err != nil {
		_ = w.Close()
		h.Detach(connectionID)
		return err
	}
	return nil
}
