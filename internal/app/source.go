package app

import (
	"context"
	"errors"

	"tweetfwd/internal/storage"
	kit "tweetfwd/internal/transport"
	"tweetfwd/internal/twitter"
	logx "tweetfwd/pkg/logx"
)

// storeSource exposes storage.Store as the stream and maintenance source.
type storeSource struct {
	storage.Store
}

func (s storeSource) Credentials(ctx context.Context, chat int64) (twitter.Credentials, bool, error) {
	c, ok, err := s.Store.Credentials(ctx, chat)
	if err != nil || !ok || c.Empty() {
		return twitter.Credentials{}, false, err
	}
	return twitter.Credentials{Token: c.Token, Secret: c.Secret}, true, nil
}

const reauthText = "Twitter rejected the saved authorization for this chat, so forwarding has stopped. " +
	"Authorize the bot again to resume."

// onAuthFatal flags the chat so it is not restarted, then tells the chat.
func onAuthFatal(store storage.Store, ad kit.Adapter, log logx.Logger) func(ctx context.Context, chat int64, err error) {
	return func(ctx context.Context, chat int64, cause error) {
		log.Warn("stream credentials rejected", logx.Chat(chat), logx.Err(cause))
		if err := store.MarkNeedsReauth(ctx, chat); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Error("mark needs reauth failed", logx.Chat(chat), logx.Err(err))
		}
		if ad == nil {
			return
		}
		if _, err := ad.SendText(ctx, kit.ChatTarget{ChatID: chat}, reauthText, &kit.SendOptions{DisablePreview: true}); err != nil {
			log.Warn("reauth notice not sent", logx.Chat(chat), logx.Err(err))
		}
	}
}

// onChatGone schedules a chat that rejects the bot for retirement by the
// maintenance loop.
func onChatGone(store storage.Store, log logx.Logger) func(ctx context.Context, chat int64, err error) {
	return func(ctx context.Context, chat int64, cause error) {
		log.Info("chat unreachable; scheduling deletion", logx.Chat(chat), logx.Err(cause))
		if err := store.MarkDeleteSoon(ctx, chat); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Error("mark delete soon failed", logx.Chat(chat), logx.Err(err))
		}
	}
}
