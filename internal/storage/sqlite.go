package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "tweetfwd/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	dedupWrites atomic.Uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// one writer; pragmas are per connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage"))}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	st.log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetChat(ctx context.Context, chatID int64) (Chat, error) {
	var (
		c                  Chat
		tok, sec           sql.NullString
		created, updated   int64
		deleteSoon, reauth bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT twitter_token, twitter_secret, delete_soon, needs_reauth, created_at, updated_at
		 FROM chats WHERE chat_id = ?`, chatID,
	).Scan(&tok, &sec, &deleteSoon, &reauth, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	if err != nil {
		return Chat{}, err
	}
	c.ID = chatID
	c.HasCredentials = tok.String != "" && sec.String != ""
	c.DeleteSoon = deleteSoon
	c.NeedsReauth = reauth
	c.CreatedAt = time.UnixMilli(created)
	c.UpdatedAt = time.UnixMilli(updated)
	return c, nil
}

func (s *sqliteStore) UpsertChat(ctx context.Context, chatID int64) error {
	return upsertChat(ctx, s.db, chatID)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertChat(ctx context.Context, db execer, chatID int64) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx,
		`INSERT INTO chats(chat_id, created_at, updated_at) VALUES(?,?,?)
		 ON CONFLICT(chat_id) DO NOTHING`,
		chatID, now, now,
	)
	return err
}

func (s *sqliteStore) SetCredentials(ctx context.Context, chatID int64, creds Credentials) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertChat(ctx, tx, chatID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET twitter_token = ?, twitter_secret = ?, needs_reauth = 0, updated_at = ?
		 WHERE chat_id = ?`,
		nullStr(creds.Token), nullStr(creds.Secret), time.Now().UnixMilli(), chatID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Credentials(ctx context.Context, chatID int64) (Credentials, bool, error) {
	var tok, sec sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT twitter_token, twitter_secret FROM chats WHERE chat_id = ?`, chatID,
	).Scan(&tok, &sec)
	if errors.Is(err, sql.ErrNoRows) {
		return Credentials{}, false, nil
	}
	if err != nil {
		return Credentials{}, false, err
	}
	c := Credentials{Token: tok.String, Secret: sec.String}
	if c.Empty() {
		return Credentials{}, false, nil
	}
	return c, true, nil
}

func (s *sqliteStore) Subscribe(ctx context.Context, chatID int64, u TwitterUser) error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("twitter user id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertChat(ctx, tx, chatID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO twitter_users(user_id, screen_name, name) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET screen_name = excluded.screen_name, name = excluded.name`,
		u.ID, u.ScreenName, u.Name,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO subscriptions(chat_id, user_id) VALUES(?,?) ON CONFLICT DO NOTHING`,
		chatID, u.ID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Unsubscribe(ctx context.Context, chatID int64, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := pruneOrphanUsers(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

func pruneOrphanUsers(ctx context.Context, db execer) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM twitter_users WHERE user_id NOT IN (SELECT DISTINCT user_id FROM subscriptions)`)
	return err
}

func (s *sqliteStore) Subscriptions(ctx context.Context, chatID int64) ([]TwitterUser, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.user_id, u.screen_name, u.name
		 FROM subscriptions s JOIN twitter_users u ON u.user_id = s.user_id
		 WHERE s.chat_id = ? ORDER BY lower(u.screen_name)`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TwitterUser
	for rows.Next() {
		var u TwitterUser
		if err := rows.Scan(&u.ID, &u.ScreenName, &u.Name); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) FollowedAccountIDs(ctx context.Context, chatID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM subscriptions WHERE chat_id = ? ORDER BY user_id`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ChatsWithCredentials(ctx context.Context) ([]int64, error) {
	return s.chatIDs(ctx,
		`SELECT c.chat_id FROM chats c
		 WHERE c.twitter_token IS NOT NULL AND c.twitter_token != ''
		   AND c.twitter_secret IS NOT NULL AND c.twitter_secret != ''
		   AND c.delete_soon = 0 AND c.needs_reauth = 0
		   AND EXISTS (SELECT 1 FROM subscriptions s WHERE s.chat_id = c.chat_id)
		 ORDER BY c.chat_id`)
}

func (s *sqliteStore) ChatsPendingDeletion(ctx context.Context) ([]int64, error) {
	return s.chatIDs(ctx, `SELECT chat_id FROM chats WHERE delete_soon = 1 ORDER BY chat_id`)
}

func (s *sqliteStore) chatIDs(ctx context.Context, query string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkDeleteSoon(ctx context.Context, chatID int64) error {
	return s.setFlag(ctx, chatID, "delete_soon")
}

func (s *sqliteStore) MarkNeedsReauth(ctx context.Context, chatID int64) error {
	return s.setFlag(ctx, chatID, "needs_reauth")
}

// setFlag sets a boolean chat column. column is never user input.
func (s *sqliteStore) setFlag(ctx context.Context, chatID int64, column string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET `+column+` = 1, updated_at = ? WHERE chat_id = ?`,
		time.Now().UnixMilli(), chatID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) PurgeChat(ctx context.Context, chatID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE chat_id = ?`, chatID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE chat_id = ?`, chatID); err != nil {
		return err
	}
	if err := pruneOrphanUsers(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Info("chat purged", logx.Chat(chatID))
	return nil
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.dedupWrites.Add(1)%dedupPruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if _, perr := s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli()); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
