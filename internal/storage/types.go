package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": process-local maps, nothing survives a restart
//
// An empty Driver means "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Credentials is a chat's OAuth1 user token pair.
type Credentials struct {
	Token  string
	Secret string
}

func (c Credentials) Empty() bool { return c.Token == "" || c.Secret == "" }

// TwitterUser is a followed source account.
type TwitterUser struct {
	ID         string
	ScreenName string
	Name       string
}

// Chat is a destination chat row.
type Chat struct {
	ID             int64
	HasCredentials bool
	DeleteSoon     bool
	NeedsReauth    bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
