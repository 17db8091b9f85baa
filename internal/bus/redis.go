package bus

import (
	"context"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus is the broker-backed bus for multi-node deployments, built on
// redis pub/sub. Every node subscribed to a topic receives every message;
// consumers are responsible for ignoring work that is not theirs.
type RedisBus struct {
	client *redis.Client
	logger *log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	ctx    context.Context
	subs   []*redis.PubSub
	wg     sync.WaitGroup
}

func NewRedisBus(client *redis.Client, logger *log.Logger) *RedisBus {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{client: client, logger: logger, ctx: ctx, cancel: cancel}
}

func (b *RedisBus) Emit(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, topic, payload).Err()
}

func (b *RedisBus) On(topic string, handler Handler) {
	sub := b.client.Subscribe(b.ctx, topic)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.dispatch(sub.Channel(), handler)
		b.logger.Printf("bus: subscription to %q closed", topic)
	}()
}

// dispatch drains one subscription. Each message runs on its own goroutine:
// handlers block for long stretches (the worker sleeps out its rate-limit
// wait inside the handler), and a job for one room must never stall the
// stream for every other room sharing the topic.
func (b *RedisBus) dispatch(ch <-chan *redis.Message, handler Handler) {
	for msg := range ch {
		payload := []byte(msg.Payload)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			handler(b.ctx, payload)
		}()
	}
}

func (b *RedisBus) Close() error {
	b.cancel()
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	b.wg.Wait()
	return nil
}
