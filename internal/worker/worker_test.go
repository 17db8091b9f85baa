package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"livechat-relay/internal/action"
	"livechat-relay/internal/bus"
	"livechat-relay/internal/feed"
	"livechat-relay/internal/model"
	"livechat-relay/internal/store"
)

type fakeFeed struct {
	mu    sync.Mutex
	pages map[string]*feed.Page
	err   error
	calls []string
}

func (f *fakeFeed) ResolveActiveRoom(context.Context, model.Credentials) (string, error) {
	return "", feed.ErrNoRoom
}

func (f *fakeFeed) FetchPage(_ context.Context, _ model.Credentials, _, pageToken string) (*feed.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pageToken)
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[pageToken], nil
}

type emittedJob struct {
	topic string
	job   model.ContinuationJob
}

type recordBus struct {
	mu    sync.Mutex
	emits []emittedJob
}

func (b *recordBus) Emit(_ context.Context, topic string, payload []byte) error {
	var job model.ContinuationJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emits = append(b.emits, emittedJob{topic: topic, job: job})
	return nil
}

func (b *recordBus) On(string, bus.Handler) {}

func (b *recordBus) Close() error { return nil }

func (b *recordBus) jobs() []emittedJob {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]emittedJob(nil), b.emits...)
}

type sentPush struct {
	connID string
	push   action.LivechatNewMessages
}

type recordSender struct {
	mu      sync.Mutex
	failFor map[string]bool
	sends   []sentPush
}

func (s *recordSender) Send(_ context.Context, conn model.Connection, out action.Outgoing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[conn.ID] {
		return errors.New("delivery failed")
	}
	push, ok := out.(action.LivechatNewMessages)
	if !ok {
		return errors.New("unexpected action type")
	}
	s.sends = append(s.sends, sentPush{connID: conn.ID, push: push})
	return nil
}

func (s *recordSender) byConn() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]int)
	for _, sp := range s.sends {
		result[sp.connID]++
	}
	return result
}

func feedPage(next string, hintMillis int64) *feed.Page {
	return &feed.Page{
		Items:                 []json.RawMessage{json.RawMessage(`{"id":"m1"}`)},
		NextPage:              next,
		PollingIntervalMillis: hintMillis,
		Raw:                   json.RawMessage(`{"items":[{"id":"m1"}],"nextPageToken":"` + next + `"}`),
	}
}

func jobPayload(t *testing.T, job model.ContinuationJob) []byte {
	t.Helper()
	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return data
}

func newWorker(f *fakeFeed, b *recordBus, s *recordSender, now time.Time) (*Worker, *store.MemoryRegistry, *store.MemoryLivechatStore) {
	registry := store.NewMemoryRegistry(time.Hour)
	livechats := store.NewMemoryLivechatStore(time.Hour)
	w := &Worker{
		Bus:       b,
		Feed:      f,
		Registry:  registry,
		Livechats: livechats,
		Sender:    s,
		Topic:     "jobs",
		Now:       func() time.Time { return now },
	}
	return w, registry, livechats
}

func TestWorker_PersistFanOutRepublish(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_000_000)
	f := &fakeFeed{pages: map[string]*feed.Page{"p0": feedPage("p1", 5000)}}
	b := &recordBus{}
	s := &recordSender{}
	w, registry, livechats := newWorker(f, b, s, now)

	for _, id := range []string{"c1", "c2"} {
		if err := registry.Put(ctx, model.Connection{ID: id, LivechatID: "lc1"}); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}

	w.Handle(ctx, jobPayload(t, model.ContinuationJob{
		Type:       model.JobTypeQueueNextPage,
		LivechatID: "lc1",
		NextPage:   "p0",
		NotBefore:  now.UnixMilli(),
	}))

	tip, ok, _ := livechats.Tip(ctx, "lc1")
	if !ok || tip != "p1" {
		t.Fatalf("expected tip p1, got %q ok=%v", tip, ok)
	}

	counts := s.byConn()
	if counts["c1"] != 1 || counts["c2"] != 1 {
		t.Fatalf("expected exactly one delivery each, got %v", counts)
	}
	for _, sp := range s.sends {
		if sp.push.NextPage != "p1" {
			t.Fatalf("expected push nextPage p1, got %q", sp.push.NextPage)
		}
	}

	// Resume markers advanced to the new cursor.
	for _, id := range []string{"c1", "c2"} {
		conn, ok, _ := registry.Get(ctx, id)
		if !ok || conn.NextPage != "p1" {
			t.Fatalf("expected resume marker p1 on %s, got %+v", id, conn)
		}
	}

	jobs := b.jobs()
	if len(jobs) != 1 {
		t.Fatalf("expected one republished job, got %d", len(jobs))
	}
	next := jobs[0].job
	if next.NextPage != "p1" {
		t.Fatalf("expected next job cursor p1, got %q", next.NextPage)
	}
	if next.NotBefore != now.UnixMilli()+5000 {
		t.Fatalf("expected notBefore now+5000, got %d", next.NotBefore-now.UnixMilli())
	}
}

func TestWorker_RateHintComesFromEachFetch(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(2_000_000)
	f := &fakeFeed{pages: map[string]*feed.Page{
		"p0": feedPage("p1", 5000),
		"p1": feedPage("p2", 30000),
	}}
	b := &recordBus{}
	s := &recordSender{}
	w, _, _ := newWorker(f, b, s, now)

	w.Handle(ctx, jobPayload(t, model.ContinuationJob{
		Type: model.JobTypeQueueNextPage, LivechatID: "lc1", NextPage: "p0", NotBefore: now.UnixMilli(),
	}))
	w.Handle(ctx, jobPayload(t, model.ContinuationJob{
		Type: model.JobTypeQueueNextPage, LivechatID: "lc1", NextPage: "p1", NotBefore: now.UnixMilli(),
	}))

	jobs := b.jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected two republished jobs, got %d", len(jobs))
	}
	if gap := jobs[0].job.NotBefore - now.UnixMilli(); gap != 5000 {
		t.Fatalf("expected first gap 5000ms, got %d", gap)
	}
	if gap := jobs[1].job.NotBefore - now.UnixMilli(); gap != 30000 {
		t.Fatalf("expected second gap 30000ms, got %d", gap)
	}
}

func TestWorker_EmptyFetchEndsChain(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(3_000_000)
	// No next cursor for p0: the upstream went idle.
	f := &fakeFeed{pages: map[string]*feed.Page{
		"p0": {Items: []json.RawMessage{}, Raw: json.RawMessage(`{"items":[]}`)},
	}}
	b := &recordBus{}
	s := &recordSender{}
	w, registry, livechats := newWorker(f, b, s, now)

	if err := registry.Put(ctx, model.Connection{ID: "c1", LivechatID: "lc1"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := livechats.SeedTip(ctx, "lc1"); err != nil {
		t.Fatalf("SeedTip: %v", err)
	}

	w.Handle(ctx, jobPayload(t, model.ContinuationJob{
		Type: model.JobTypeQueueNextPage, LivechatID: "lc1", NextPage: "p0", NotBefore: now.UnixMilli(),
	}))

	if jobs := b.jobs(); len(jobs) != 0 {
		t.Fatalf("expected no republish, got %d", len(jobs))
	}
	if counts := s.byConn(); len(counts) != 0 {
		t.Fatalf("expected no deliveries, got %v", counts)
	}
	// Subscriber state is untouched; only the tip is cleared so a later
	// open command can reseed.
	subs, _ := registry.ListByLivechat(ctx, "lc1")
	if len(subs) != 1 {
		t.Fatalf("expected subscriber retained, got %d", len(subs))
	}
	if _, ok, _ := livechats.Tip(ctx, "lc1"); ok {
		t.Fatal("expected tip cleared after empty fetch")
	}
}

func TestWorker_FetchErrorStopsChain(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(4_000_000)
	f := &fakeFeed{err: errors.New("upstream down")}
	b := &recordBus{}
	s := &recordSender{}
	w, _, _ := newWorker(f, b, s, now)

	w.Handle(ctx, jobPayload(t, model.ContinuationJob{
		Type: model.JobTypeQueueNextPage, LivechatID: "lc1", NextPage: "p0", NotBefore: now.UnixMilli(),
	}))

	if jobs := b.jobs(); len(jobs) != 0 {
		t.Fatalf("expected no republish on fetch error, got %d", len(jobs))
	}
	if counts := s.byConn(); len(counts) != 0 {
		t.Fatalf("expected no deliveries on fetch error, got %v", counts)
	}
}

func TestWorker_DeliveryFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(5_000_000)
	f := &fakeFeed{pages: map[string]*feed.Page{"p0": feedPage("p1", 2000)}}
	b := &recordBus{}
	s := &recordSender{failFor: map[string]bool{"c1": true}}
	w, registry, _ := newWorker(f, b, s, now)

	for _, id := range []string{"c1", "c2", "c3"} {
		if err := registry.Put(ctx, model.Connection{ID: id, LivechatID: "lc1"}); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}

	w.Handle(ctx, jobPayload(t, model.ContinuationJob{
		Type: model.JobTypeQueueNextPage, LivechatID: "lc1", NextPage: "p0", NotBefore: now.UnixMilli(),
	}))

	counts := s.byConn()
	if counts["c2"] != 1 || counts["c3"] != 1 {
		t.Fatalf("expected surviving deliveries to c2 and c3, got %v", counts)
	}
	if jobs := b.jobs(); len(jobs) != 1 {
		t.Fatalf("expected chain to continue despite one failed delivery, got %d jobs", len(jobs))
	}
}

func TestWorker_WaitsForNotBefore(t *testing.T) {
	ctx := context.Background()
	f := &fakeFeed{pages: map[string]*feed.Page{"p0": feedPage("p1", 1000)}}
	b := &recordBus{}
	s := &recordSender{}
	registry := store.NewMemoryRegistry(time.Hour)
	livechats := store.NewMemoryLivechatStore(time.Hour)
	w := &Worker{Bus: b, Feed: f, Registry: registry, Livechats: livechats, Sender: s, Topic: "jobs"}

	start := time.Now()
	w.Handle(ctx, jobPayload(t, model.ContinuationJob{
		Type:       model.JobTypeQueueNextPage,
		LivechatID: "lc1",
		NextPage:   "p0",
		NotBefore:  start.Add(80 * time.Millisecond).UnixMilli(),
	}))
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("expected fetch delayed until notBefore, ran after %v", elapsed)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) != 1 {
		t.Fatalf("expected one fetch, got %d", len(f.calls))
	}
}

func TestWorker_IgnoresMalformedJobs(t *testing.T) {
	now := time.UnixMilli(6_000_000)
	f := &fakeFeed{}
	b := &recordBus{}
	s := &recordSender{}
	w, _, _ := newWorker(f, b, s, now)

	w.Handle(context.Background(), []byte(`{"type":"somethingElse"}`))
	w.Handle(context.Background(), []byte(`not json`))

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) != 0 {
		t.Fatalf("expected no fetches for malformed jobs, got %d", len(f.calls))
	}
}
