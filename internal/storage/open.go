package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "tweetfwd/pkg/logx"
)

// Store is the persistence API used by the stream service, the maintenance
// loop, and the notifier.
type Store interface {
	GetChat(ctx context.Context, chatID int64) (Chat, error)
	UpsertChat(ctx context.Context, chatID int64) error
	// SetCredentials stores (or with empty creds clears) the chat's token
	// pair. Storing new credentials clears NeedsReauth.
	SetCredentials(ctx context.Context, chatID int64, creds Credentials) error
	Credentials(ctx context.Context, chatID int64) (Credentials, bool, error)

	Subscribe(ctx context.Context, chatID int64, u TwitterUser) error
	Unsubscribe(ctx context.Context, chatID int64, userID string) error
	Subscriptions(ctx context.Context, chatID int64) ([]TwitterUser, error)
	FollowedAccountIDs(ctx context.Context, chatID int64) ([]string, error)

	// ChatsWithCredentials lists chats that can stream: credentials set,
	// at least one subscription, not pending deletion or reauth.
	ChatsWithCredentials(ctx context.Context) ([]int64, error)
	ChatsPendingDeletion(ctx context.Context) ([]int64, error)
	MarkDeleteSoon(ctx context.Context, chatID int64) error
	MarkNeedsReauth(ctx context.Context, chatID int64) error
	// PurgeChat removes the chat and its subscriptions. Missing chats are
	// not an error.
	PurgeChat(ctx context.Context, chatID int64) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

// dedupPruneEvery triggers expired-row cleanup every N dedup writes.
const dedupPruneEvery = 500
