package transport

import (
	"context"
	"time"
)

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// Media is a remote file the platform fetches by URL.
type Media struct {
	Kind MediaKind
	URL  string
}

// Adapter is the outbound side of a chat platform.
type Adapter interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	// SendMedia sends one media message, or an album when len(media) > 1.
	// The caption is attached to the first item.
	SendMedia(ctx context.Context, to ChatTarget, media []Media, caption string, opt *SendOptions) (MessageRef, error)
	Stop(ctx context.Context) error
}

// PermanentError marks a delivery failure that will not succeed on retry for
// this chat (bot blocked, chat deleted, kicked from group).
type PermanentError interface {
	error
	Permanent() bool
}

// RetryAfterError carries the platform's requested wait before a retry.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}
