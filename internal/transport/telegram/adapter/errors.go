package adapter

import (
	"errors"
	"time"

	tele "gopkg.in/telebot.v4"
)

// SendError annotates a Bot API failure with how the notifier should react.
type SendError struct {
	Err   error
	Gone  bool
	After time.Duration
}

func (e *SendError) Error() string { return "telegram: " + e.Err.Error() }

func (e *SendError) Unwrap() error { return e.Err }

// Permanent reports whether the chat can no longer receive messages.
func (e *SendError) Permanent() bool { return e.Gone }

func (e *SendError) RetryAfter() time.Duration { return e.After }

var chatGone = []error{
	tele.ErrBlockedByUser,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrKickedFromChannel,
	tele.ErrNotStartedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrChatNotFound,
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &SendError{Err: err, After: time.Duration(flood.RetryAfter) * time.Second}
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return &SendError{Err: err, After: time.Duration(floodPtr.RetryAfter) * time.Second}
	}
	for _, gone := range chatGone {
		if errors.Is(err, gone) {
			return &SendError{Err: err, Gone: true}
		}
	}
	// Any other 403 means the bot may not write to the chat.
	var te *tele.Error
	if errors.As(err, &te) && te.Code == 403 {
		return &SendError{Err: err, Gone: true}
	}
	return err
}
