package store

import (
	"fmt"
	"strings"
)

// Storage keys are built and validated here once, instead of scattering
// prefix checks across the backends. A key type can only be obtained through
// its constructor, so a well-typed key is always well-formed.

const (
	connectionPrefix = "CONNECTION#"
	livechatPrefix   = "LIVECHAT#"
	nextPageSegment  = "NEXTPAGE#"
)

type ConnectionKey string

type LivechatKey string

type PageKey string

func validID(id string) error {
	if id == "" {
		return fmt.Errorf("empty id")
	}
	if strings.Contains(id, "#") {
		return fmt.Errorf("id %q contains reserved separator", id)
	}
	return nil
}

func NewConnectionKey(connectionID string) (ConnectionKey, error) {
	if err := validID(connectionID); err != nil {
		return "", fmt.Errorf("connection key: %w", err)
	}
	return ConnectionKey(connectionPrefix + connectionID), nil
}

func NewLivechatKey(livechatID string) (LivechatKey, error) {
	if err := validID(livechatID); err != nil {
		return "", fmt.Errorf("livechat key: %w", err)
	}
	return LivechatKey(livechatPrefix + livechatID), nil
}

func NewPageKey(livechatID, nextPage string) (PageKey, error) {
	if err := validID(livechatID); err != nil {
		return "", fmt.Errorf("page key: %w", err)
	}
	if err := validID(nextPage); err != nil {
		return "", fmt.Errorf("page key: %w", err)
	}
	return PageKey(livechatPrefix + livechatID + "#" + nextPageSegment + nextPage), nil
}

func (k ConnectionKey) String() string { return string(k) }
func (k LivechatKey) String() string   { return string(k) }
func (k PageKey) String() string       { return string(k) }

// ConnsKey is the room's subscriber index, derived from the livechat key.
func (k LivechatKey) ConnsKey() string { return string(k) + "#CONNS" }

// HistoryKey is the room's time-ordered page index.
func (k LivechatKey) HistoryKey() string { return string(k) + "#HISTORY" }
