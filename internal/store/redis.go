package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"livechat-relay/internal/model"
)

// NewRedisClient parses REDIS_URL, connects, and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisRegistry is the multi-node ConnectionRegistry. Each connection lives
// at its connection key with the rolling TTL; room membership is a SET under
// the livechat key. Expired connections drop out via the key TTL, so listing
// skips members whose value is gone.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: ttl}
}

func (r *RedisRegistry) Put(ctx context.Context, conn model.Connection) error {
	key, err := NewConnectionKey(conn.ID)
	if err != nil {
		return err
	}
	conn.ExpiresAt = time.Now().Add(r.ttl).Unix()
	data, err := json.Marshal(conn)
	if err != nil {
		return err
	}

	prev, ok, err := r.Get(ctx, conn.ID)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key.String(), data, r.ttl)
	if ok && prev.LivechatID != "" && prev.LivechatID != conn.LivechatID {
		if prevRoom, err := NewLivechatKey(prev.LivechatID); err == nil {
			pipe.SRem(ctx, prevRoom.ConnsKey(), conn.ID)
		}
	}
	if conn.LivechatID != "" {
		room, err := NewLivechatKey(conn.LivechatID)
		if err != nil {
			return err
		}
		pipe.SAdd(ctx, room.ConnsKey(), conn.ID)
		pipe.Expire(ctx, room.ConnsKey(), r.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisRegistry) Get(ctx context.Context, connectionID string) (model.Connection, bool, error) {
	key, err := NewConnectionKey(connectionID)
	if err != nil {
		return model.Connection{}, false, err
	}
	data, err := r.client.Get(ctx, key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Connection{}, false, nil
	}
	if err != nil {
		return model.Connection{}, false, err
	}
	var conn model.Connection
	if err := json.Unmarshal(data, &conn); err != nil {
		return model.Connection{}, false, err
	}
	return conn, true, nil
}

func (r *RedisRegistry) Touch(ctx context.Context, connectionID string) error {
	conn, ok, err := r.Get(ctx, connectionID)
	if err != nil || !ok {
		return err
	}
	key, err := NewConnectionKey(connectionID)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Expire(ctx, key.String(), r.ttl)
	if conn.LivechatID != "" {
		if room, err := NewLivechatKey(conn.LivechatID); err == nil {
			pipe.Expire(ctx, room.ConnsKey(), r.ttl)
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisRegistry) ListByLivechat(ctx context.Context, livechatID string) ([]model.Connection, error) {
	room, err := NewLivechatKey(livechatID)
	if err != nil {
		return nil, err
	}
	ids, err := r.client.SMembers(ctx, room.ConnsKey()).Result()
	if err != nil {
		return nil, err
	}
	result := make([]model.Connection, 0, len(ids))
	for _, id := range ids {
		conn, ok, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Connection key expired; lazily drop the stale member.
			r.client.SRem(ctx, room.ConnsKey(), id)
			continue
		}
		result = append(result, conn)
	}
	return result, nil
}

func (r *RedisRegistry) Delete(ctx context.Context, connectionID string) error {
	conn, ok, err := r.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	key, err := NewConnectionKey(connectionID)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key.String())
	if ok && conn.LivechatID != "" {
		if room, err := NewLivechatKey(conn.LivechatID); err == nil {
			pipe.SRem(ctx, room.ConnsKey(), connectionID)
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

// RedisLivechatStore keeps the tip as a string value, each page as a JSON
// value under its page key, and a ZSET of cursors scored by creation time for
// the catch-up scan. Everything expires with the page TTL.
type RedisLivechatStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLivechatStore(client *redis.Client, pageTTL time.Duration) *RedisLivechatStore {
	return &RedisLivechatStore{client: client, ttl: pageTTL}
}

func (s *RedisLivechatStore) SeedTip(ctx context.Context, livechatID string) (bool, error) {
	key, err := NewLivechatKey(livechatID)
	if err != nil {
		return false, err
	}
	return s.client.SetNX(ctx, key.String(), TipPending, s.ttl).Result()
}

func (s *RedisLivechatStore) Advance(ctx context.Context, page model.ChatPage) error {
	tipKey, err := NewLivechatKey(page.LivechatID)
	if err != nil {
		return err
	}
	pageKey, err := NewPageKey(page.LivechatID, page.NextPage)
	if err != nil {
		return err
	}
	if page.CreatedAt == 0 {
		page.CreatedAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(page)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, tipKey.String(), page.NextPage, s.ttl)
	pipe.Set(ctx, pageKey.String(), data, s.ttl)
	pipe.ZAdd(ctx, tipKey.HistoryKey(), redis.Z{Score: float64(page.CreatedAt), Member: page.NextPage})
	pipe.Expire(ctx, tipKey.HistoryKey(), s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisLivechatStore) Tip(ctx context.Context, livechatID string) (string, bool, error) {
	key, err := NewLivechatKey(livechatID)
	if err != nil {
		return "", false, err
	}
	tip, err := s.client.Get(ctx, key.String()).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return tip, true, nil
}

func (s *RedisLivechatStore) ClearTip(ctx context.Context, livechatID string) error {
	key, err := NewLivechatKey(livechatID)
	if err != nil {
		return err
	}
	return s.client.Del(ctx, key.String()).Err()
}

func (s *RedisLivechatStore) Page(ctx context.Context, livechatID, nextPage string) (model.ChatPage, bool, error) {
	key, err := NewPageKey(livechatID, nextPage)
	if err != nil {
		return model.ChatPage{}, false, err
	}
	data, err := s.client.Get(ctx, key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.ChatPage{}, false, nil
	}
	if err != nil {
		return model.ChatPage{}, false, err
	}
	var page model.ChatPage
	if err := json.Unmarshal(data, &page); err != nil {
		return model.ChatPage{}, false, err
	}
	return page, true, nil
}

func (s *RedisLivechatStore) PagesSince(ctx context.Context, livechatID, nextPage string) ([]model.ChatPage, error) {
	since, ok, err := s.Page(ctx, livechatID, nextPage)
	if err != nil || !ok {
		return nil, err
	}
	key, err := NewLivechatKey(livechatID)
	if err != nil {
		return nil, err
	}
	cursors, err := s.client.ZRangeByScore(ctx, key.HistoryKey(), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since.CreatedAt, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	result := make([]model.ChatPage, 0, len(cursors))
	for _, cursor := range cursors {
		page, ok, err := s.Page(ctx, livechatID, cursor)
		if err != nil {
			return nil, err
		}
		if ok {
			result = append(result, page)
		}
	}
	return result, nil
}
