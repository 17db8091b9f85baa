// Package store holds the two shared mutable resources of the system: the
// connection registry and the per-room tip/page history. Both come in memory,
// redis, and postgres flavors behind the same interfaces; everything else in
// the process talks to these interfaces only.
package store

import (
	"context"

	"livechat-relay/internal/model"
)

// TipPending is the sentinel tip value written while the very first fetch for
// a room is in flight. It exists so a second caller cannot start a concurrent
// seed for the same room.
const TipPending = "pending"

// ConnectionRegistry maps open connections to their credentials, subscribed
// room, and resume cursor. Entries carry a rolling expiry refreshed by every
// Put; an entry past its expiry is treated as gone even without an explicit
// Delete, which covers missed disconnect events.
type ConnectionRegistry interface {
	// Put upserts by connection id and refreshes the entry's expiry. When the
	// connection carries a livechat id it is also indexed under that room.
	Put(ctx context.Context, conn model.Connection) error
	Get(ctx context.Context, connectionID string) (model.Connection, bool, error)
	// Touch refreshes the entry's expiry without rewriting its data, so an
	// activity refresh cannot overwrite a resume cursor a concurrent fan-out
	// just wrote. Unknown connections are a no-op.
	Touch(ctx context.Context, connectionID string) error
	// ListByLivechat returns a snapshot of the room's live subscribers.
	// Connections joining mid-call may be missed; that pass simply skips them.
	ListByLivechat(ctx context.Context, livechatID string) ([]model.Connection, error)
	// Delete is idempotent.
	Delete(ctx context.Context, connectionID string) error
}

// LivechatStore is the room tip plus a bounded history of fetched pages.
type LivechatStore interface {
	// SeedTip writes the pending sentinel for a room that has no tip yet and
	// reports whether this call created it. Any existing tip, pending or
	// confirmed, makes it a no-op.
	SeedTip(ctx context.Context, livechatID string) (bool, error)
	// Advance atomically stores the page and moves the tip to page.NextPage.
	Advance(ctx context.Context, page model.ChatPage) error
	// Tip returns the room's current cursor, TipPending, or ok=false when the
	// room has never been seeded (or its tip expired).
	Tip(ctx context.Context, livechatID string) (string, bool, error)
	// ClearTip removes the tip so the next open command reseeds the room.
	ClearTip(ctx context.Context, livechatID string) error
	Page(ctx context.Context, livechatID, nextPage string) (model.ChatPage, bool, error)
	// PagesSince returns the pages created after the named one, oldest first.
	// An unknown cursor yields an empty result.
	PagesSince(ctx context.Context, livechatID, nextPage string) ([]model.ChatPage, error)
}
