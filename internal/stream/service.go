package stream

import (
	"context"
	"errors"
	"fmt"

	"tweetfwd/internal/twitter"
	logx "tweetfwd/pkg/logx"
)

// SubscriptionSource is the read side of subscription storage.
type SubscriptionSource interface {
	FollowedAccountIDs(ctx context.Context, chat int64) ([]string, error)
	// Credentials reports ok=false when the chat cannot stream yet.
	Credentials(ctx context.Context, chat int64) (creds twitter.Credentials, ok bool, err error)
	ChatsPendingDeletion(ctx context.Context) ([]int64, error)
	ChatsWithCredentials(ctx context.Context) ([]int64, error)
}

// Service is the entry point used by the rest of the bot: it resolves
// subscription data and drives the Registry.
type Service struct {
	reg *Registry
	src SubscriptionSource
	log logx.Logger
}

func NewService(reg *Registry, src SubscriptionSource, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{reg: reg, src: src, log: log.With(logx.String("comp", "stream.service"))}
}

func (s *Service) Registry() *Registry { return s.reg }

// Target resolves the desired stream for chat. ok is false when the chat
// has no credentials.
func (s *Service) Target(ctx context.Context, chat int64) (Target, bool, error) {
	creds, ok, err := s.src.Credentials(ctx, chat)
	if err != nil {
		return Target{}, false, fmt.Errorf("credentials: %w", err)
	}
	if !ok {
		return Target{Chat: chat}, false, nil
	}
	ids, err := s.src.FollowedAccountIDs(ctx, chat)
	if err != nil {
		return Target{}, false, fmt.Errorf("followed accounts: %w", err)
	}
	return Target{Chat: chat, Follow: ids, Creds: creds}, true, nil
}

// NotifySubscriptionChanged reconciles the chat with freshly read
// subscription data. A chat without credentials or subscriptions loses its
// stream.
func (s *Service) NotifySubscriptionChanged(ctx context.Context, chat int64) error {
	t, ok, err := s.Target(ctx, chat)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Debug("no credentials; removing stream", logx.Chat(chat))
		return s.reg.Remove(ctx, chat)
	}
	return s.reg.Reconcile(ctx, chat, t.Follow, t.Creds)
}

// NotifyChatDeleted stops and forgets the chat's stream.
func (s *Service) NotifyChatDeleted(ctx context.Context, chat int64) error {
	return s.reg.Remove(ctx, chat)
}

// Bootstrap starts streams for every chat that can stream. It is called
// once at process start.
func (s *Service) Bootstrap(ctx context.Context) error {
	chats, err := s.src.ChatsWithCredentials(ctx)
	if err != nil {
		return fmt.Errorf("list chats: %w", err)
	}
	targets := make([]Target, 0, len(chats))
	var errs []error
	for _, chat := range chats {
		t, ok, err := s.Target(ctx, chat)
		if err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chat, err))
			continue
		}
		if ok && len(t.Follow) > 0 {
			targets = append(targets, t)
		}
	}
	s.log.Info("bootstrapping streams", logx.Int("chats", len(targets)))
	if err := s.reg.Bootstrap(ctx, targets); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
