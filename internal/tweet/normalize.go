package tweet

import (
	"bytes"
	"encoding/json"
	"html"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	logx "tweetfwd/pkg/logx"
)

const retweetMark = "♻"

// trailingShortLink matches the quoted-status link the provider appends to
// a quote's text.
var trailingShortLink = regexp.MustCompile(` https://t\.co/[1-9a-zA-Z]+$`)

type Option func(*options)

type options struct {
	log logx.Logger
}

// WithLogger reports skipped media items.
func WithLogger(log logx.Logger) Option {
	return func(o *options) { o.log = log }
}

// Decode parses one provider payload. Syntax errors and events without an
// id or author are malformed.
func Decode(raw []byte) (RawTweet, error) {
	var t RawTweet
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&t); err != nil {
		return RawTweet{}, malformed("decode", err)
	}
	return t, nil
}

// Normalize decodes raw and converts it to a Message.
func Normalize(raw []byte, opts ...Option) (Message, error) {
	t, err := Decode(raw)
	if err != nil {
		return Message{}, err
	}
	return NormalizeTweet(t, opts...)
}

// NormalizeTweet converts a decoded status to a Message.
func NormalizeTweet(t RawTweet, opts ...Option) (Message, error) {
	o := options{log: logx.Nop()}
	for _, fn := range opts {
		fn(&o)
	}
	if err := check(&t); err != nil {
		return Message{}, err
	}

	rawText, urls, media := t.body()
	m := Message{
		ID:             statusID(&t),
		Text:           html.UnescapeString(rawText),
		CreatedAt:      parseCreatedAt(t.CreatedAt),
		UserName:       t.User.Name,
		UserScreenName: t.User.ScreenName,
	}

	if rt := t.RetweetedStatus; rt != nil {
		// Retweets carry no media. Links resolve against the retweeted
		// status's entities, or the outer ones when it has none.
		text, rtURLs, _ := rt.body()
		m.Text = retweetMark + " @" + rt.User.ScreenName + ": " + html.UnescapeString(text)
		if len(rtURLs) == 0 {
			text, rtURLs = rawText, urls
		}
		if len(rtURLs) > 0 {
			m.LinkURL = firstByPosition(rtURLs).ExpandedURL
		}
		m.Text = expandLinks(m.Text, text, rtURLs)
		return m, nil
	}

	if q := t.QuotedStatus; q != nil {
		qText, _, qMedia := q.body()
		m.Text = trailingShortLink.ReplaceAllString(m.Text, "") + "\n" +
			retweetMark + " @" + q.User.ScreenName + ": " + html.UnescapeString(qText)
		// visible links now belong to the quote
		urls = nil
		if qMedia != nil {
			media = qMedia
		}
	}

	if media != nil && len(media.Media) > 0 {
		m.Text, m.Media = extractMedia(m.Text, media.Media, m.ID, o.log)
	} else if len(urls) > 0 {
		m.LinkURL = firstByPosition(urls).ExpandedURL
	}

	m.Text = expandLinks(m.Text, rawText, urls)
	return m, nil
}

func check(t *RawTweet) error {
	if t.ID == 0 && strings.TrimSpace(t.IDStr) == "" {
		return malformed("missing id", nil)
	}
	if t.User == nil {
		return malformed("missing user", nil)
	}
	if t.RetweetedStatus != nil && t.RetweetedStatus.User == nil {
		return malformed("retweeted status without user", nil)
	}
	if t.QuotedStatus != nil && t.QuotedStatus.User == nil {
		return malformed("quoted status without user", nil)
	}
	return nil
}

func statusID(t *RawTweet) string {
	if s := strings.TrimSpace(t.IDStr); s != "" {
		return s
	}
	return strconv.FormatInt(t.ID, 10)
}

// parseCreatedAt accepts the provider's "Mon Jan 02 15:04:05 -0700 2006"
// layout. Unparseable values yield the zero time.
func parseCreatedAt(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RubyDate, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// extractMedia removes each media short link from text and collects the
// media items in source order. Unusable items are logged and skipped.
func extractMedia(text string, entities []MediaEntity, id string, log logx.Logger) (string, []MediaItem) {
	items := make([]MediaItem, 0, len(entities))
	removed := false
	for _, e := range entities {
		if e.URL != "" && strings.Contains(text, e.URL) {
			text = strings.ReplaceAll(text, e.URL, "")
			removed = true
		}
		if e.VideoInfo != nil || e.Type == "video" || e.Type == "animated_gif" {
			url, ok := bestVariant(e.VideoInfo)
			if !ok {
				log.Warn("video without bitrate variants skipped", logx.String("tweet", id))
				continue
			}
			items = append(items, MediaItem{Kind: Video, URL: url})
			continue
		}
		url := firstNonEmpty(e.MediaURLHTTPS, e.MediaURL, e.URL)
		if url == "" {
			log.Warn("photo without url skipped", logx.String("tweet", id))
			continue
		}
		items = append(items, MediaItem{Kind: Photo, URL: url})
	}
	if removed {
		text = strings.TrimRight(text, " ")
	}
	return text, items
}

// bestVariant picks the highest bitrate among variants that declare one.
// Ties keep the first.
func bestVariant(vi *VideoInfo) (string, bool) {
	if vi == nil {
		return "", false
	}
	best := -1
	url := ""
	for _, v := range vi.Variants {
		if v.Bitrate == nil || v.URL == "" {
			continue
		}
		if *v.Bitrate > best {
			best = *v.Bitrate
			url = v.URL
		}
	}
	return url, best >= 0
}

// expandLinks replaces each entity's short link with its expanded URL,
// once per entity, scanning left to right in appearance order. rawText is
// the escaped source text the entity indices refer to.
func expandLinks(text, rawText string, urls []URLEntity) string {
	if len(urls) == 0 {
		return text
	}
	ordered := byPosition(urls)
	runes := []rune(rawText)
	cursor := 0
	for _, e := range ordered {
		if e.ExpandedURL == "" {
			continue
		}
		token := e.URL
		if token == "" {
			token = sliceRunes(runes, e.Indices)
		}
		if token == "" {
			continue
		}
		i := strings.Index(text[cursor:], token)
		if i < 0 {
			continue
		}
		at := cursor + i
		text = text[:at] + e.ExpandedURL + text[at+len(token):]
		cursor = at + len(e.ExpandedURL)
	}
	return text
}

func sliceRunes(r []rune, idx [2]int) string {
	if idx[0] < 0 || idx[1] > len(r) || idx[0] >= idx[1] {
		return ""
	}
	return string(r[idx[0]:idx[1]])
}

func byPosition(urls []URLEntity) []URLEntity {
	out := make([]URLEntity, len(urls))
	copy(out, urls)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Indices[0] < out[j].Indices[0] })
	return out
}

func firstByPosition(urls []URLEntity) URLEntity {
	return byPosition(urls)[0]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
