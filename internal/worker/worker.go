// Package worker runs the polling continuation chain. Each consumed job
// fetches one page for one room, persists it, fans it out to the room's
// subscribers, and republishes the next job with the rate hint the upstream
// returned for this fetch. The chain for a room stops when a fetch fails or
// yields no continuation; stopping on failure without retry is deliberate.
// A retry policy belongs in a wrapper around feed.Client, not here.
package worker

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"livechat-relay/internal/action"
	"livechat-relay/internal/bus"
	"livechat-relay/internal/deliver"
	"livechat-relay/internal/feed"
	"livechat-relay/internal/model"
	"livechat-relay/internal/store"
)

type Worker struct {
	Bus       bus.Bus
	Feed      feed.Client
	Registry  store.ConnectionRegistry
	Livechats store.LivechatStore
	Sender    deliver.Sender
	Topic     string
	Logger    *log.Logger

	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

// Start subscribes the worker to the continuation topic.
func (w *Worker) Start() {
	w.Bus.On(w.Topic, w.Handle)
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

// Handle consumes one continuation job.
func (w *Worker) Handle(ctx context.Context, payload []byte) {
	logger := w.logger()

	var job model.ContinuationJob
	if err := json.Unmarshal(payload, &job); err != nil {
		logger.Printf("worker: bad job payload: %v", err)
		return
	}
	if job.Type != model.JobTypeQueueNextPage {
		logger.Printf("worker: unknown job type %q", job.Type)
		return
	}

	// WAIT: the notBefore encodes the upstream's own rate limit. Never
	// fetch early.
	if delay := time.UnixMilli(job.NotBefore).Sub(w.now()); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	page, err := w.Feed.FetchPage(ctx, job.Credentials, job.LivechatID, job.NextPage)
	if err != nil {
		logger.Printf("worker: fetch for %s failed, stopping chain: %v", job.LivechatID, err)
		return
	}
	if page == nil || page.NextPage == "" || page.PollingIntervalMillis == 0 {
		// The room went idle. Clearing the tip lets the next openLivechat
		// reseed and restart the chain.
		logger.Printf("worker: no continuation for %s, chain ends", job.LivechatID)
		if err := w.Livechats.ClearTip(ctx, job.LivechatID); err != nil {
			logger.Printf("worker: clear tip for %s: %v", job.LivechatID, err)
		}
		return
	}

	now := w.now()
	record := model.ChatPage{
		LivechatID:     job.LivechatID,
		NextPage:       page.NextPage,
		RequestAgainAt: now.UnixMilli() + page.PollingIntervalMillis,
		Payload:        page.Raw,
		CreatedAt:      now.UnixMilli(),
	}
	if err := w.Livechats.Advance(ctx, record); err != nil {
		logger.Printf("worker: persist page for %s failed, stopping chain: %v", job.LivechatID, err)
		return
	}

	w.fanOut(ctx, job.LivechatID, page)

	next := model.ContinuationJob{
		ID:          ulid.Make().String(),
		Type:        model.JobTypeQueueNextPage,
		LivechatID:  job.LivechatID,
		NextPage:    page.NextPage,
		NotBefore:   w.now().Add(time.Duration(page.PollingIntervalMillis) * time.Millisecond).UnixMilli(),
		Credentials: job.Credentials,
	}
	data, err := json.Marshal(next)
	if err != nil {
		logger.Printf("worker: encode next job for %s: %v", job.LivechatID, err)
		return
	}
	if err := w.Bus.Emit(ctx, w.Topic, data); err != nil {
		logger.Printf("worker: republish for %s failed: %v", job.LivechatID, err)
	}
}

// fanOut delivers the page to every registered subscriber and writes each
// one's resume marker. Failures are isolated per connection.
func (w *Worker) fanOut(ctx context.Context, livechatID string, page *feed.Page) {
	logger := w.logger()

	conns, err := w.Registry.ListByLivechat(ctx, livechatID)
	if err != nil {
		logger.Printf("worker: list subscribers for %s: %v", livechatID, err)
		return
	}
	if len(conns) == 0 {
		logger.Printf("worker: no open connections for %s", livechatID)
		return
	}

	items, err := json.Marshal(page.Items)
	if err != nil {
		logger.Printf("worker: encode items for %s: %v", livechatID, err)
		return
	}
	push := action.LivechatNewMessages{Payload: items, NextPage: page.NextPage}

	var wg sync.WaitGroup
	for _, conn := range conns {
		conn := conn
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.NextPage = page.NextPage
			if err := w.Registry.Put(ctx, conn); err != nil {
				logger.Printf("worker: resume marker for %s: %v", conn.ID, err)
			}
			if err := w.Sender.Send(ctx, conn, push); err != nil {
				logger.Printf("worker: deliver to %s: %v", conn.ID, err)
			}
		}()
	}
	wg.Wait()
}
