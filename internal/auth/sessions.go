package auth

import (
	"context"
	"errors"
	"sync"

	"livechat-relay/internal/model"
)

// ErrUnauthorized covers every way a session token can fail to resolve: bad
// signature, expired token, or a user with no upstream credentials attached.
var ErrUnauthorized = errors.New("unauthorized")

// SessionResolver turns a client session token into upstream credentials.
// The identity-provider sign-in flow lives outside this service; only this
// resolve contract is consumed here.
type SessionResolver interface {
	Resolve(ctx context.Context, token string) (model.Credentials, error)
}

// CredentialStore holds the upstream OAuth credentials attached to each user,
// keyed by user id. Populated by the session endpoint after sign-in.
type CredentialStore struct {
	mu    sync.RWMutex
	byUID map[string]model.Credentials
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{byUID: make(map[string]model.Credentials)}
}

func (s *CredentialStore) Put(userID string, creds model.Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUID[userID] = creds
}

func (s *CredentialStore) Get(userID string) (model.Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	creds, ok := s.byUID[userID]
	return creds, ok
}

// TokenResolver resolves JWT session tokens against a credential store.
type TokenResolver struct {
	TokenConfig TokenConfig
	Credentials *CredentialStore
}

func (r *TokenResolver) Resolve(_ context.Context, token string) (model.Credentials, error) {
	if token == "" {
		return model.Credentials{}, ErrUnauthorized
	}
	claims, err := VerifyToken(token, r.TokenConfig)
	if err != nil {
		return model.Credentials{}, ErrUnauthorized
	}
	creds, ok := r.Credentials.Get(claims.UserID)
	if !ok {
		return model.Credentials{}, ErrUnauthorized
	}
	return creds, nil
}
