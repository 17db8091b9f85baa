// Package bus is the seam between scheduling continuation work and executing
// it. The in-memory bus keeps everything in one process; the redis bus lets a
// fleet of nodes share the same job stream. Callers cannot tell them apart.
package bus

import "context"

// Handler consumes one published payload. Handlers must not panic the
// process; operational failures are theirs to log and swallow.
type Handler func(ctx context.Context, payload []byte)

// Bus delivers payloads at least once, with no ordering guarantee across
// topics. Within one room's job stream ordering holds only because each job
// is emitted after the previous one's effects are durable.
type Bus interface {
	Emit(ctx context.Context, topic string, payload []byte) error
	On(topic string, handler Handler)
	Close() error
}
