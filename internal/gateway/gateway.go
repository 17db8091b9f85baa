// Package gateway owns one logical session per open connection. It is
// transport-independent: the websocket handler feeds it connect, message,
// and disconnect events and a send function bound to the connection, and the
// gateway returns an HTTP-like status outcome for each. The gateway never
// calls into the worker directly; the only path between them is the bus.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"livechat-relay/internal/action"
	"livechat-relay/internal/auth"
	"livechat-relay/internal/bus"
	"livechat-relay/internal/feed"
	"livechat-relay/internal/model"
	"livechat-relay/internal/store"
)

// SendFunc pushes one action to the connection an event arrived on.
type SendFunc func(out action.Outgoing) error

type Gateway struct {
	Sessions          auth.SessionResolver
	Registry          store.ConnectionRegistry
	Livechats         store.LivechatStore
	Feed              feed.Client
	Bus               bus.Bus
	ContinuationTopic string
	Logger            *log.Logger

	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

func (g *Gateway) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Gateway) logger() *log.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return log.Default()
}

// Connect resolves the session token, registers the connection, and pushes
// "connected". An unresolvable session means the connection is never
// registered.
func (g *Gateway) Connect(ctx context.Context, connectionID, endpoint, sessionToken string, send SendFunc) int {
	creds, err := g.Sessions.Resolve(ctx, sessionToken)
	if err != nil {
		return http.StatusUnauthorized
	}
	conn := model.Connection{ID: connectionID, Endpoint: endpoint, Credentials: creds}
	if err := g.Registry.Put(ctx, conn); err != nil {
		g.logger().Printf("gateway: register %s: %v", connectionID, err)
		return http.StatusInternalServerError
	}
	g.logger().Printf("gateway: connection %s registered", connectionID)
	if err := send(action.Connected{}); err != nil {
		g.logger().Printf("gateway: connected push to %s: %v", connectionID, err)
	}
	return http.StatusOK
}

// Message dispatches one inbound command. Unknown or failing commands push an
// error action and report 500; the connection stays open either way.
func (g *Gateway) Message(ctx context.Context, connectionID string, body []byte, send SendFunc) int {
	conn, ok, err := g.Registry.Get(ctx, connectionID)
	if err != nil {
		g.logger().Printf("gateway: lookup %s: %v", connectionID, err)
		return http.StatusInternalServerError
	}
	if !ok {
		g.logger().Printf("gateway: no connection registered for %s", connectionID)
		return http.StatusUnauthorized
	}
	if len(body) == 0 {
		return http.StatusBadRequest
	}

	// Any activity refreshes the rolling expiry. Touch leaves the stored
	// data alone; a fan-out may have moved the resume cursor since the Get
	// above.
	if err := g.Registry.Touch(ctx, connectionID); err != nil {
		g.logger().Printf("gateway: refresh %s: %v", connectionID, err)
	}

	act, err := action.ParseIncoming(body)
	if err == nil {
		err = g.dispatch(ctx, conn, act, send)
	}
	if err != nil {
		g.logger().Printf("gateway: command on %s failed: %v", connectionID, err)
		if sendErr := send(action.Error{Message: err.Error()}); sendErr != nil {
			g.logger().Printf("gateway: error push to %s: %v", connectionID, sendErr)
		}
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

// Disconnect removes the registry entry. Best effort and idempotent; it never
// reports unauthorized or bad input.
func (g *Gateway) Disconnect(ctx context.Context, connectionID string) int {
	if err := g.Registry.Delete(ctx, connectionID); err != nil {
		g.logger().Printf("gateway: delete %s: %v", connectionID, err)
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

// dispatch is exhaustive over the incoming action union.
func (g *Gateway) dispatch(ctx context.Context, conn model.Connection, act action.Incoming, send SendFunc) error {
	switch cmd := act.(type) {
	case action.Ping:
		return send(action.Pong{})
	case action.OpenLivechat:
		return g.openLivechat(ctx, conn, send)
	case action.RequestMoreMessages:
		return g.requestMore(ctx, conn, cmd, send)
	case action.Stop, action.Start:
		return nil
	default:
		return &action.UnknownCommandError{Type: "unhandled"}
	}
}

// requestMore is the catch-up side channel: one fetch from a caller-supplied
// cursor, pushed straight back. The tip store is not touched.
func (g *Gateway) requestMore(ctx context.Context, conn model.Connection, cmd action.RequestMoreMessages, send SendFunc) error {
	page, err := g.Feed.FetchPage(ctx, conn.Credentials, cmd.LivechatID, cmd.NextPage)
	if err != nil {
		return err
	}
	if page == nil {
		return nil
	}
	items, err := json.Marshal(page.Items)
	if err != nil {
		return err
	}
	return send(action.LivechatNewMessages{Payload: items, NextPage: page.NextPage})
}

func (g *Gateway) openLivechat(ctx context.Context, conn model.Connection, send SendFunc) error {
	logger := g.logger()

	livechatID, err := g.Feed.ResolveActiveRoom(ctx, conn.Credentials)
	if errors.Is(err, feed.ErrNoRoom) {
		logger.Printf("gateway: no live broadcast for %s", conn.ID)
		return nil
	}
	if err != nil {
		return err
	}

	conn.LivechatID = livechatID
	if err := g.Registry.Put(ctx, conn); err != nil {
		return err
	}

	tip, ok, err := g.Livechats.Tip(ctx, livechatID)
	if err != nil {
		return err
	}
	if ok {
		// A stream already runs for this room; the registry entry above is
		// all that joining takes. Replay what the stream fetched since this
		// connection's resume point so it does not wait for the next tick.
		return g.replay(ctx, conn, livechatID, tip, send)
	}

	seeded, err := g.Livechats.SeedTip(ctx, livechatID)
	if err != nil {
		return err
	}
	if !seeded {
		// Lost the seed race; the winner performs the first fetch.
		return g.replay(ctx, conn, livechatID, store.TipPending, send)
	}

	page, err := g.Feed.FetchPage(ctx, conn.Credentials, livechatID, "")
	if err != nil {
		// Leave no pending tip behind, or the room could never reseed.
		if clearErr := g.Livechats.ClearTip(ctx, livechatID); clearErr != nil {
			logger.Printf("gateway: clear tip for %s: %v", livechatID, clearErr)
		}
		return err
	}
	if page != nil {
		items, err := json.Marshal(page.Items)
		if err != nil {
			return err
		}
		if err := send(action.LivechatNewMessages{Payload: items, NextPage: page.NextPage}); err != nil {
			logger.Printf("gateway: first page push to %s: %v", conn.ID, err)
		}
	}
	if page == nil || page.NextPage == "" || page.PollingIntervalMillis == 0 {
		logger.Printf("gateway: no continuation for %s after first fetch", livechatID)
		return g.Livechats.ClearTip(ctx, livechatID)
	}

	now := g.now()
	record := model.ChatPage{
		LivechatID:     livechatID,
		NextPage:       page.NextPage,
		RequestAgainAt: now.UnixMilli() + page.PollingIntervalMillis,
		Payload:        page.Raw,
		CreatedAt:      now.UnixMilli(),
	}
	if err := g.Livechats.Advance(ctx, record); err != nil {
		if clearErr := g.Livechats.ClearTip(ctx, livechatID); clearErr != nil {
			logger.Printf("gateway: clear tip for %s: %v", livechatID, clearErr)
		}
		return err
	}

	conn.NextPage = page.NextPage
	if err := g.Registry.Put(ctx, conn); err != nil {
		logger.Printf("gateway: resume marker for %s: %v", conn.ID, err)
	}

	job := model.ContinuationJob{
		ID:          ulid.Make().String(),
		Type:        model.JobTypeQueueNextPage,
		LivechatID:  livechatID,
		NextPage:    page.NextPage,
		NotBefore:   g.now().Add(time.Duration(page.PollingIntervalMillis) * time.Millisecond).UnixMilli(),
		Credentials: conn.Credentials,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	logger.Printf("gateway: chain started for %s", livechatID)
	return g.Bus.Emit(ctx, g.ContinuationTopic, data)
}

// replay pushes the recent history a joining connection missed: everything
// after its resume cursor when it has one, else the page at the current tip.
func (g *Gateway) replay(ctx context.Context, conn model.Connection, livechatID, tip string, send SendFunc) error {
	if tip == store.TipPending {
		// First fetch still in flight; its fan-out will reach this
		// connection.
		return nil
	}
	if conn.NextPage == tip {
		// Already caught up.
		return nil
	}
	var pages []model.ChatPage
	if conn.NextPage != "" {
		since, err := g.Livechats.PagesSince(ctx, livechatID, conn.NextPage)
		if err != nil {
			return err
		}
		pages = since
	}
	if len(pages) == 0 {
		page, ok, err := g.Livechats.Page(ctx, livechatID, tip)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		pages = []model.ChatPage{page}
	}
	for _, page := range pages {
		items := pageItems(page)
		if err := send(action.LivechatNewMessages{Payload: items, NextPage: page.NextPage}); err != nil {
			return err
		}
		conn.NextPage = page.NextPage
	}
	return g.Registry.Put(ctx, conn)
}

func pageItems(page model.ChatPage) json.RawMessage {
	var body struct {
		Items json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(page.Payload, &body); err != nil || body.Items == nil {
		return json.RawMessage("[]")
	}
	return body.Items
}
