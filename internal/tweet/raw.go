package tweet

// RawTweet is the provider's status object as delivered on the filtered
// stream. Optional sub-objects are pointers; nil means absent.
type RawTweet struct {
	ID        int64  `json:"id"`
	IDStr     string `json:"id_str"`
	CreatedAt string `json:"created_at"`
	Text      string `json:"text"`
	FullText  string `json:"full_text,omitempty"`
	Truncated bool   `json:"truncated"`

	User *RawUser `json:"user,omitempty"`

	Entities         Entities          `json:"entities"`
	ExtendedEntities *ExtendedEntities `json:"extended_entities,omitempty"`
	ExtendedTweet    *ExtendedTweet    `json:"extended_tweet,omitempty"`

	RetweetedStatus *RawTweet `json:"retweeted_status,omitempty"`
	QuotedStatus    *RawTweet `json:"quoted_status,omitempty"`
}

type RawUser struct {
	ID         int64  `json:"id"`
	IDStr      string `json:"id_str"`
	Name       string `json:"name"`
	ScreenName string `json:"screen_name"`
}

type Entities struct {
	URLs []URLEntity `json:"urls"`
}

// URLEntity is a short link in the text. Indices are code point offsets
// into the raw (still HTML-escaped) text.
type URLEntity struct {
	URL         string `json:"url"`
	ExpandedURL string `json:"expanded_url"`
	DisplayURL  string `json:"display_url"`
	Indices     [2]int `json:"indices"`
}

type ExtendedEntities struct {
	Media []MediaEntity `json:"media"`
}

type MediaEntity struct {
	Type          string     `json:"type"`
	URL           string     `json:"url"`
	MediaURL      string     `json:"media_url,omitempty"`
	MediaURLHTTPS string     `json:"media_url_https"`
	VideoInfo     *VideoInfo `json:"video_info,omitempty"`
}

type VideoInfo struct {
	Variants []VideoVariant `json:"variants"`
}

// VideoVariant is one encoding of a video. Bitrate is nil when the variant
// does not declare one (HLS playlists).
type VideoVariant struct {
	Bitrate     *int   `json:"bitrate,omitempty"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

// ExtendedTweet carries the untruncated body of a long status.
type ExtendedTweet struct {
	FullText         string            `json:"full_text"`
	Entities         Entities          `json:"entities"`
	ExtendedEntities *ExtendedEntities `json:"extended_entities,omitempty"`
}

// body returns the text, link entities, and media of the status,
// preferring the extended form when the status is truncated.
func (t *RawTweet) body() (string, []URLEntity, *ExtendedEntities) {
	if t.Truncated && t.ExtendedTweet != nil && t.ExtendedTweet.FullText != "" {
		return t.ExtendedTweet.FullText, t.ExtendedTweet.Entities.URLs, t.ExtendedTweet.ExtendedEntities
	}
	text := t.Text
	if t.FullText != "" {
		text = t.FullText
	}
	return text, t.Entities.URLs, t.ExtendedEntities
}
