package adapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "tweetfwd/internal/transport"
	logx "tweetfwd/pkg/logx"
)

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (tests, local bot API server).
	APIURL      string
	SendTimeout time.Duration
	// Offline skips the getMe call at construction.
	Offline bool
}

// Adapter is the send-only Telegram side of the bot. It never polls for
// updates.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram.adapter")), bot: b}
	if b.Me != nil && b.Me.Username != "" {
		a.log.Info("bot ready", logx.String("username", b.Me.Username))
	}
	return a, nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.log.Debug("adapter stopped")
	return nil
}

func sendOptions(to kit.ChatTarget, opt *kit.SendOptions) *tele.SendOptions {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}
}

// SendText sends text, split into several messages when it exceeds the
// Telegram limit. The returned ref is the first message.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	parseMode := ""
	if opt != nil {
		parseMode = opt.ParseMode
	}
	chunks := splitTelegramText(text, telegramTextLimit, parseMode)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	chat := &tele.Chat{ID: to.ChatID}
	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, sendOptions(to, opt))
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendMedia sends one photo or video, or an album for several items. The
// caption goes on the first item.
func (a *Adapter) SendMedia(ctx context.Context, to kit.ChatTarget, media []kit.Media, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if len(media) == 0 {
		return kit.MessageRef{}, errors.New("no media")
	}
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	chat := &tele.Chat{ID: to.ChatID}

	if len(media) == 1 {
		msg, err := a.bot.Send(chat, inputMedia(media[0], caption), sendOptions(to, opt))
		if err != nil {
			return kit.MessageRef{}, classify(err)
		}
		return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
	}

	album := make(tele.Album, 0, len(media))
	for i, m := range media {
		c := ""
		if i == 0 {
			c = caption
		}
		album = append(album, inputMedia(m, c))
	}
	msgs, err := a.bot.SendAlbum(chat, album, sendOptions(to, opt))
	if err != nil {
		return kit.MessageRef{}, classify(err)
	}
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	if len(msgs) > 0 {
		ref.MessageID = msgs[0].ID
	}
	return ref, nil
}

func inputMedia(m kit.Media, caption string) tele.Inputtable {
	if m.Kind == kit.MediaVideo {
		return &tele.Video{File: tele.FromURL(m.URL), Caption: caption}
	}
	return &tele.Photo{File: tele.FromURL(m.URL), Caption: caption}
}
