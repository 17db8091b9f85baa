package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"livechat-relay/internal/model"
)

// MemoryRegistry is the single-node ConnectionRegistry.
type MemoryRegistry struct {
	mu         sync.RWMutex
	byID       map[string]model.Connection
	byLivechat map[string]map[string]struct{}

	ttl time.Duration
	now func() time.Time
}

func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	return NewMemoryRegistryWithNow(ttl, time.Now)
}

func NewMemoryRegistryWithNow(ttl time.Duration, now func() time.Time) *MemoryRegistry {
	return &MemoryRegistry{
		byID:       make(map[string]model.Connection),
		byLivechat: make(map[string]map[string]struct{}),
		ttl:        ttl,
		now:        now,
	}
}

func (r *MemoryRegistry) Put(_ context.Context, conn model.Connection) error {
	if _, err := NewConnectionKey(conn.ID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byID[conn.ID]; ok && prev.LivechatID != "" && prev.LivechatID != conn.LivechatID {
		r.dropFromIndexLocked(prev.LivechatID, conn.ID)
	}
	conn.ExpiresAt = r.now().Add(r.ttl).Unix()
	r.byID[conn.ID] = conn
	if conn.LivechatID != "" {
		set := r.byLivechat[conn.LivechatID]
		if set == nil {
			set = make(map[string]struct{})
			r.byLivechat[conn.LivechatID] = set
		}
		set[conn.ID] = struct{}{}
	}
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, connectionID string) (model.Connection, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.byID[connectionID]
	if !ok || conn.ExpiresAt <= r.now().Unix() {
		return model.Connection{}, false, nil
	}
	return conn, true, nil
}

func (r *MemoryRegistry) Touch(_ context.Context, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byID[connectionID]
	if !ok {
		return nil
	}
	conn.ExpiresAt = r.now().Add(r.ttl).Unix()
	r.byID[connectionID] = conn
	return nil
}

func (r *MemoryRegistry) ListByLivechat(_ context.Context, livechatID string) ([]model.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now().Unix()
	set := r.byLivechat[livechatID]
	result := make([]model.Connection, 0, len(set))
	for id := range set {
		conn, ok := r.byID[id]
		if !ok || conn.ExpiresAt <= now {
			continue
		}
		result = append(result, conn)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *MemoryRegistry) Delete(_ context.Context, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byID[connectionID]
	if !ok {
		return nil
	}
	delete(r.byID, connectionID)
	if conn.LivechatID != "" {
		r.dropFromIndexLocked(conn.LivechatID, connectionID)
	}
	return nil
}

func (r *MemoryRegistry) dropFromIndexLocked(livechatID, connectionID string) {
	set := r.byLivechat[livechatID]
	if set == nil {
		return
	}
	delete(set, connectionID)
	if len(set) == 0 {
		delete(r.byLivechat, livechatID)
	}
}

// MemoryLivechatStore is the single-node LivechatStore.
type MemoryLivechatStore struct {
	mu    sync.RWMutex
	tips  map[string]string
	pages map[string][]model.ChatPage

	ttl time.Duration
	now func() time.Time
}

func NewMemoryLivechatStore(pageTTL time.Duration) *MemoryLivechatStore {
	return NewMemoryLivechatStoreWithNow(pageTTL, time.Now)
}

func NewMemoryLivechatStoreWithNow(pageTTL time.Duration, now func() time.Time) *MemoryLivechatStore {
	return &MemoryLivechatStore{
		tips:  make(map[string]string),
		pages: make(map[string][]model.ChatPage),
		ttl:   pageTTL,
		now:   now,
	}
}

func (s *MemoryLivechatStore) SeedTip(_ context.Context, livechatID string) (bool, error) {
	if _, err := NewLivechatKey(livechatID); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tips[livechatID]; ok {
		return false, nil
	}
	s.tips[livechatID] = TipPending
	return true, nil
}

func (s *MemoryLivechatStore) Advance(_ context.Context, page model.ChatPage) error {
	if _, err := NewPageKey(page.LivechatID, page.NextPage); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if page.CreatedAt == 0 {
		page.CreatedAt = s.now().UnixMilli()
	}
	s.tips[page.LivechatID] = page.NextPage
	s.pages[page.LivechatID] = append(s.pruneLocked(page.LivechatID), page)
	return nil
}

func (s *MemoryLivechatStore) Tip(_ context.Context, livechatID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tip, ok := s.tips[livechatID]
	return tip, ok, nil
}

func (s *MemoryLivechatStore) ClearTip(_ context.Context, livechatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tips, livechatID)
	return nil
}

func (s *MemoryLivechatStore) Page(_ context.Context, livechatID, nextPage string) (model.ChatPage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().UnixMilli() - s.ttl.Milliseconds()
	for _, p := range s.pages[livechatID] {
		if p.NextPage == nextPage && p.CreatedAt > cutoff {
			return p, true, nil
		}
	}
	return model.ChatPage{}, false, nil
}

func (s *MemoryLivechatStore) PagesSince(_ context.Context, livechatID, nextPage string) ([]model.ChatPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sinceAt int64 = -1
	cutoff := s.now().UnixMilli() - s.ttl.Milliseconds()
	for _, p := range s.pages[livechatID] {
		if p.NextPage == nextPage {
			sinceAt = p.CreatedAt
			break
		}
	}
	if sinceAt < 0 {
		return nil, nil
	}
	var result []model.ChatPage
	for _, p := range s.pages[livechatID] {
		if p.CreatedAt > sinceAt && p.CreatedAt > cutoff {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt < result[j].CreatedAt })
	return result, nil
}

func (s *MemoryLivechatStore) pruneLocked(livechatID string) []model.ChatPage {
	cutoff := s.now().UnixMilli() - s.ttl.Milliseconds()
	pages := s.pages[livechatID]
	kept := pages[:0]
	for _, p := range pages {
		if p.CreatedAt > cutoff {
			kept = append(kept, p)
		}
	}
	return kept
}
