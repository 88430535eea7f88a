package notifier

import (
	"unicode/utf8"

	kit "tweetfwd/internal/transport"
	"tweetfwd/internal/tweet"
	"tweetfwd/pkg/tgui"
)

// captionLimit is Telegram's media caption limit in characters.
const captionLimit = 1024

// outbound is one Telegram API call.
type outbound struct {
	text    string // HTML; for media this is the caption
	media   []kit.Media
	preview bool
}

// render turns a tweet into the calls that deliver it, in order.
//
//	no media:     one text message, link preview only when the tweet has a link
//	media:        one media message or album, caption on the first item
//	long caption: a text message followed by the media without caption
func render(msg tweet.Message) []outbound {
	name := msg.UserName
	if name == "" {
		name = msg.UserScreenName
	}
	body := tgui.JoinH("",
		tgui.B(name),
		tgui.Esc(" (@"+msg.UserScreenName+"): "),
		tgui.Esc(msg.Text),
	).String()
	plainLen := utf8.RuneCountInString(name) + utf8.RuneCountInString(msg.UserScreenName) +
		len(" (@): ") + utf8.RuneCountInString(msg.Text)

	if len(msg.Media) == 0 {
		return []outbound{{text: body, preview: msg.LinkURL != ""}}
	}

	media := make([]kit.Media, 0, len(msg.Media))
	for _, m := range msg.Media {
		kind := kit.MediaPhoto
		if m.Kind == tweet.Video {
			kind = kit.MediaVideo
		}
		media = append(media, kit.Media{Kind: kind, URL: m.URL})
	}
	if plainLen <= captionLimit {
		return []outbound{{text: body, media: media}}
	}
	return []outbound{
		{text: body},
		{media: media},
	}
}
