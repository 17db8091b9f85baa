package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"livechat-relay/internal/model"
)

const (
	postgresConnectionsTable = "livechat_connections"
	postgresTipsTable        = "livechat_tips"
	postgresPagesTable       = "livechat_pages"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// postgresDB opens lazily on first use and bootstraps the schema once, so
// constructing the stores never requires the database to be up yet.
type postgresDB struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func (b *postgresDB) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			b.initErr = err
			_ = db.Close()
			return
		}
		for _, stmt := range []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				connection_id TEXT PRIMARY KEY,
				livechat_id TEXT NOT NULL DEFAULT '',
				data TEXT NOT NULL,
				expires_at BIGINT NOT NULL
			)`, postgresConnectionsTable),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_livechat_idx ON %s (livechat_id)`,
				postgresConnectionsTable, postgresConnectionsTable),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				livechat_id TEXT PRIMARY KEY,
				tip TEXT NOT NULL,
				expires_at BIGINT NOT NULL
			)`, postgresTipsTable),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				livechat_id TEXT NOT NULL,
				next_page TEXT NOT NULL,
				data TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				expires_at BIGINT NOT NULL,
				PRIMARY KEY (livechat_id, next_page)
			)`, postgresPagesTable),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_created_idx ON %s (livechat_id, created_at)`,
				postgresPagesTable, postgresPagesTable),
		} {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				b.initErr = err
				_ = db.Close()
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *postgresDB) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), postgresOperationTimeout)
}

// NewPostgresStores returns the registry and livechat store sharing one
// connection pool.
func NewPostgresStores(dsn string, connectionTTL, pageTTL time.Duration) (*PostgresRegistry, *PostgresLivechatStore, error) {
	if dsn == "" {
		return nil, nil, errors.New("postgres dsn is required")
	}
	db := &postgresDB{dsn: dsn, openDB: sql.Open}
	return &PostgresRegistry{postgresDB: db, ttl: connectionTTL},
		&PostgresLivechatStore{postgresDB: db, ttl: pageTTL}, nil
}

type PostgresRegistry struct {
	*postgresDB
	ttl time.Duration
}

func (r *PostgresRegistry) Put(ctx context.Context, conn model.Connection) error {
	if _, err := NewConnectionKey(conn.ID); err != nil {
		return err
	}
	if err := r.ensureReady(); err != nil {
		return err
	}
	conn.ExpiresAt = time.Now().Add(r.ttl).Unix()
	data, err := json.Marshal(conn)
	if err != nil {
		return err
	}
	opCtx, cancel := r.opCtx()
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (connection_id, livechat_id, data, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (connection_id) DO UPDATE SET livechat_id = $2, data = $3, expires_at = $4`,
		postgresConnectionsTable)
	_, err = r.db.ExecContext(opCtx, query, conn.ID, conn.LivechatID, string(data), conn.ExpiresAt)
	return err
}

func (r *PostgresRegistry) Get(ctx context.Context, connectionID string) (model.Connection, bool, error) {
	if err := r.ensureReady(); err != nil {
		return model.Connection{}, false, err
	}
	opCtx, cancel := r.opCtx()
	defer cancel()
	query := fmt.Sprintf(`SELECT data FROM %s WHERE connection_id = $1 AND expires_at > $2`,
		postgresConnectionsTable)
	var data string
	err := r.db.QueryRowContext(opCtx, query, connectionID, time.Now().Unix()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Connection{}, false, nil
	}
	if err != nil {
		return model.Connection{}, false, err
	}
	var conn model.Connection
	if err := json.Unmarshal([]byte(data), &conn); err != nil {
		return model.Connection{}, false, err
	}
	return conn, true, nil
}

func (r *PostgresRegistry) Touch(ctx context.Context, connectionID string) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := r.opCtx()
	defer cancel()
	query := fmt.Sprintf(`UPDATE %s SET expires_at = $2 WHERE connection_id = $1`,
		postgresConnectionsTable)
	_, err := r.db.ExecContext(opCtx, query, connectionID, time.Now().Add(r.ttl).Unix())
	return err
}

func (r *PostgresRegistry) ListByLivechat(ctx context.Context, livechatID string) ([]model.Connection, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	opCtx, cancel := r.opCtx()
	defer cancel()
	query := fmt.Sprintf(`SELECT data FROM %s WHERE livechat_id = $1 AND expires_at > $2 ORDER BY connection_id`,
		postgresConnectionsTable)
	rows, err := r.db.QueryContext(opCtx, query, livechatID, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Connection
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var conn model.Connection
		if err := json.Unmarshal([]byte(data), &conn); err != nil {
			return nil, err
		}
		result = append(result, conn)
	}
	return result, rows.Err()
}

func (r *PostgresRegistry) Delete(ctx context.Context, connectionID string) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := r.opCtx()
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE connection_id = $1`, postgresConnectionsTable)
	_, err := r.db.ExecContext(opCtx, query, connectionID)
	return err
}

type PostgresLivechatStore struct {
	*postgresDB
	ttl time.Duration
}

func (s *PostgresLivechatStore) SeedTip(ctx context.Context, livechatID string) (bool, error) {
	if _, err := NewLivechatKey(livechatID); err != nil {
		return false, err
	}
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	opCtx, cancel := s.opCtx()
	defer cancel()

	tx, err := s.db.BeginTx(opCtx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	purge := fmt.Sprintf(`DELETE FROM %s WHERE livechat_id = $1 AND expires_at <= $2`, postgresTipsTable)
	if _, err := tx.ExecContext(opCtx, purge, livechatID, now); err != nil {
		return false, err
	}
	insert := fmt.Sprintf(`INSERT INTO %s (livechat_id, tip, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (livechat_id) DO NOTHING`, postgresTipsTable)
	res, err := tx.ExecContext(opCtx, insert, livechatID, TipPending, time.Now().Add(s.ttl).Unix())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, tx.Commit()
}

func (s *PostgresLivechatStore) Advance(ctx context.Context, page model.ChatPage) error {
	if _, err := NewPageKey(page.LivechatID, page.NextPage); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	if page.CreatedAt == 0 {
		page.CreatedAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(page)
	if err != nil {
		return err
	}
	opCtx, cancel := s.opCtx()
	defer cancel()

	tx, err := s.db.BeginTx(opCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	expiresAt := time.Now().Add(s.ttl).Unix()
	tipUpsert := fmt.Sprintf(`INSERT INTO %s (livechat_id, tip, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (livechat_id) DO UPDATE SET tip = $2, expires_at = $3`, postgresTipsTable)
	if _, err := tx.ExecContext(opCtx, tipUpsert, page.LivechatID, page.NextPage, expiresAt); err != nil {
		return err
	}
	pageUpsert := fmt.Sprintf(`INSERT INTO %s (livechat_id, next_page, data, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (livechat_id, next_page) DO UPDATE SET data = $3, created_at = $4, expires_at = $5`,
		postgresPagesTable)
	if _, err := tx.ExecContext(opCtx, pageUpsert, page.LivechatID, page.NextPage, string(data), page.CreatedAt, expiresAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresLivechatStore) Tip(ctx context.Context, livechatID string) (string, bool, error) {
	if err := s.ensureReady(); err != nil {
		return "", false, err
	}
	opCtx, cancel := s.opCtx()
	defer cancel()
	query := fmt.Sprintf(`SELECT tip FROM %s WHERE livechat_id = $1 AND expires_at > $2`, postgresTipsTable)
	var tip string
	err := s.db.QueryRowContext(opCtx, query, livechatID, time.Now().Unix()).Scan(&tip)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return tip, true, nil
}

func (s *PostgresLivechatStore) ClearTip(ctx context.Context, livechatID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := s.opCtx()
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE livechat_id = $1`, postgresTipsTable)
	_, err := s.db.ExecContext(opCtx, query, livechatID)
	return err
}

func (s *PostgresLivechatStore) Page(ctx context.Context, livechatID, nextPage string) (model.ChatPage, bool, error) {
	if err := s.ensureReady(); err != nil {
		return model.ChatPage{}, false, err
	}
	opCtx, cancel := s.opCtx()
	defer cancel()
	query := fmt.Sprintf(`SELECT data FROM %s WHERE livechat_id = $1 AND next_page = $2 AND expires_at > $3`,
		postgresPagesTable)
	var data string
	err := s.db.QueryRowContext(opCtx, query, livechatID, nextPage, time.Now().Unix()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ChatPage{}, false, nil
	}
	if err != nil {
		return model.ChatPage{}, false, err
	}
	var page model.ChatPage
	if err := json.Unmarshal([]byte(data), &page); err != nil {
		return model.ChatPage{}, false, err
	}
	return page, true, nil
}

func (s *PostgresLivechatStore) PagesSince(ctx context.Context, livechatID, nextPage string) ([]model.ChatPage, error) {
	since, ok, err := s.Page(ctx, livechatID, nextPage)
	if err != nil || !ok {
		return nil, err
	}
	opCtx, cancel := s.opCtx()
	defer cancel()
	query := fmt.Sprintf(`SELECT data FROM %s WHERE livechat_id = $1 AND created_at > $2 AND expires_at > $3
		ORDER BY created_at`, postgresPagesTable)
	rows, err := s.db.QueryContext(opCtx, query, livechatID, since.CreatedAt, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ChatPage
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var page model.ChatPage
		if err := json.Unmarshal([]byte(data), &page); err != nil {
			return nil, err
		}
		result = append(result, page)
	}
	return result, rows.Err()
}
