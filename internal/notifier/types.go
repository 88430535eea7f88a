package notifier

import (
	"context"
	"errors"
	"time"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrChatGone  = errors.New("chat no longer reachable")
)

// Config controls the delivery pipeline.
type Config struct {
	Workers         int
	QueueSize       int // total across shards
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// DedupStore persists dedup windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// ChatGoneFunc is called once per chat that permanently rejected a send.
type ChatGoneFunc func(ctx context.Context, chat int64, err error)

// DeliveryEvent is published on the event bus for every outcome.
type DeliveryEvent struct {
	Chat     int64     `json:"chat"`
	TweetID  string    `json:"tweet_id"`
	Attempts int       `json:"attempts,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// Stats is a point-in-time view for status output.
type Stats struct {
	Shards   int
	Queued   int
	Sent     uint64
	Deduped  uint64
	Dropped  uint64
	Failed   uint64
	GoneChat int
}
