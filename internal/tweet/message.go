package tweet

import "time"

type MediaKind string

const (
	Photo MediaKind = "photo"
	Video MediaKind = "video"
)

type MediaItem struct {
	Kind MediaKind
	URL  string
}

// Message is the provider-agnostic form handed to delivery. It is not
// mutated after Normalize returns.
type Message struct {
	ID        string
	Text      string
	Media     []MediaItem
	LinkURL   string
	CreatedAt time.Time

	UserName       string
	UserScreenName string
}
