// Package feed adapts the external paginated livechat API. The rest of the
// system only sees Client; the YouTube implementation lives in youtube.go.
package feed

import (
	"context"
	"encoding/json"
	"errors"

	"livechat-relay/internal/model"
)

// ErrNoRoom means the user has no usable active broadcast right now.
var ErrNoRoom = errors.New("no active broadcast")

// Page is one fetched page. NextPage and PollingIntervalMillis come straight
// from the upstream response; either being absent means the chain cannot
// continue. Raw is the full response body, delivered to clients unchanged.
type Page struct {
	Items                 []json.RawMessage
	NextPage              string
	PollingIntervalMillis int64
	Raw                   json.RawMessage
}

// Client resolves the caller's active room and fetches pages from it.
// FetchPage returns (nil, nil) when the upstream reports no messages at all
// for the chat, matching the upstream API's "no items" response.
type Client interface {
	ResolveActiveRoom(ctx context.Context, creds model.Credentials) (string, error)
	FetchPage(ctx context.Context, creds model.Credentials, livechatID, pageToken string) (*Page, error)
}
