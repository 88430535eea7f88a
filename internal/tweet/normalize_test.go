package tweet

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestNormalizeExpandsSingleLink(t *testing.T) {
	t.Parallel()
	raw := `{
	  "id": 1, "id_str": "1",
	  "created_at": "Wed Oct 10 20:19:24 +0000 2018",
	  "text": "Check this out t.co/abc",
	  "user": {"id": 7, "name": "Ann", "screen_name": "ann"},
	  "entities": {"urls": [{"url": "t.co/abc", "expanded_url": "https://example.com/page", "indices": [11, 19]}]}
	}`
	m, err := Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if m.Text != "Check this out https://example.com/page" {
		t.Fatalf("Text = %q", m.Text)
	}
	if len(m.Media) != 0 {
		t.Fatalf("Media = %v, want none", m.Media)
	}
	if m.LinkURL != "https://example.com/page" {
		t.Fatalf("LinkURL = %q", m.LinkURL)
	}
	if m.ID != "1" || m.UserName != "Ann" || m.UserScreenName != "ann" {
		t.Fatalf("author/id = %q %q %q", m.ID, m.UserName, m.UserScreenName)
	}
	if m.CreatedAt.IsZero() || m.CreatedAt.Year() != 2018 {
		t.Fatalf("CreatedAt = %v", m.CreatedAt)
	}
}

func TestNormalizeUnescapesHTML(t *testing.T) {
	t.Parallel()
	m, err := Normalize([]byte(`{"id": 2, "text": "Tom &amp; Jerry &lt;3", "user": {"name": "n", "screen_name": "s"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if m.Text != "Tom & Jerry <3" {
		t.Fatalf("Text = %q", m.Text)
	}
	if m.ID != "2" {
		t.Fatalf("ID = %q", m.ID)
	}
}

func TestNormalizeRetweet(t *testing.T) {
	t.Parallel()
	raw := `{
	  "id_str": "10",
	  "text": "RT @orig: outer wrapper t.co/x",
	  "user": {"name": "Retweeter", "screen_name": "rt"},
	  "entities": {"urls": [{"url": "t.co/x", "expanded_url": "https://x.example", "indices": [24, 30]}]},
	  "extended_entities": {"media": [{"type": "photo", "url": "t.co/x", "media_url_https": "https://pbs/x.jpg"}]},
	  "retweeted_status": {"id_str": "9", "text": "original &amp; text", "user": {"name": "Orig", "screen_name": "orig"}}
	}`
	m, err := Normalize([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if m.Text != "♻ @orig: original & text" {
		t.Fatalf("Text = %q", m.Text)
	}
	if strings.Contains(m.Text, "outer wrapper") {
		t.Fatal("retweet text must not include the outer wrapper")
	}
	if len(m.Media) != 0 {
		t.Fatalf("retweet should carry no media: %+v", m.Media)
	}
	if m.LinkURL != "https://x.example" {
		t.Fatalf("LinkURL = %q, want the outer link", m.LinkURL)
	}
	if m.UserScreenName != "rt" {
		t.Fatalf("author = %q, want outer author", m.UserScreenName)
	}
}

func TestNormalizeRetweetExpandsLinks(t *testing.T) {
	t.Parallel()
	raw := `{
	  "id_str": "12",
	  "text": "RT @orig: read https://t.co/abc",
	  "user": {"name": "Retweeter", "screen_name": "rt"},
	  "entities": {"urls": [{"url": "https://t.co/abc", "expanded_url": "https://example.com/a", "indices": [15, 31]}]},
	  "retweeted_status": {
	    "id_str": "11", "text": "read https://t.co/abc",
	    "user": {"name": "Orig", "screen_name": "orig"},
	    "entities": {"urls": [{"url": "https://t.co/abc", "expanded_url": "https://example.com/a", "indices": [5, 21]}]}
	  }
	}`
	m, err := Normalize([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if want := "♻ @orig: read https://example.com/a"; m.Text != want {
		t.Fatalf("Text = %q, want %q", m.Text, want)
	}
	if strings.Contains(m.Text, "t.co/") {
		t.Fatalf("short link left in %q", m.Text)
	}
	if m.LinkURL != "https://example.com/a" {
		t.Fatalf("LinkURL = %q", m.LinkURL)
	}
}

func TestNormalizeQuote(t *testing.T) {
	t.Parallel()
	raw := `{
	  "id_str": "20",
	  "text": "look at this https://t.co/Quote1 https://t.co/Quote2",
	  "user": {"name": "Q", "screen_name": "q"},
	  "entities": {"urls": [{"url": "https://t.co/Quote1", "expanded_url": "https://outer.example", "indices": [13, 32]}]},
	  "quoted_status": {
	    "id_str": "19", "text": "quoted &gt; text https://t.co/Media9",
	    "user": {"name": "Src", "screen_name": "src"},
	    "extended_entities": {"media": [{"type": "photo", "url": "https://t.co/Media9", "media_url_https": "https://pbs/q.jpg"}]}
	  }
	}`
	m, err := Normalize([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	want := "look at this https://t.co/Quote1\n♻ @src: quoted > text"
	if m.Text != want {
		t.Fatalf("Text = %q, want %q", m.Text, want)
	}
	if !reflect.DeepEqual(m.Media, []MediaItem{{Kind: Photo, URL: "https://pbs/q.jpg"}}) {
		t.Fatalf("Media = %v", m.Media)
	}
	if m.LinkURL != "" {
		t.Fatalf("quote must discard outer links, LinkURL = %q", m.LinkURL)
	}
}

func TestNormalizeQuoteStripsOnlyOneTrailingLink(t *testing.T) {
	t.Parallel()
	raw := `{
	  "id_str": "21",
	  "text": "a https://t.co/aaa https://t.co/bbb",
	  "user": {"name": "Q", "screen_name": "q"},
	  "quoted_status": {"id_str": "1", "text": "inner", "user": {"name": "I", "screen_name": "i"}}
	}`
	m, err := Normalize([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if m.Text != "a https://t.co/aaa\n♻ @i: inner" {
		t.Fatalf("Text = %q", m.Text)
	}
	if len(m.Media) != 0 {
		t.Fatalf("quote without media should carry none: %v", m.Media)
	}
}

func TestNormalizeMedia(t *testing.T) {
	t.Parallel()
	raw := `{
	  "id_str": "30",
	  "text": "two things https://t.co/p1 https://t.co/v1",
	  "user": {"name": "M", "screen_name": "m"},
	  "entities": {"urls": []},
	  "extended_entities": {"media": [
	    {"type": "photo", "url": "https://t.co/p1", "media_url_https": "https://pbs/p1.jpg"},
	    {"type": "video", "url": "https://t.co/v1", "media_url_https": "https://pbs/thumb.jpg",
	     "video_info": {"variants": [
	       {"bitrate": 128, "content_type": "video/mp4", "url": "A"},
	       {"bitrate": 512, "content_type": "video/mp4", "url": "B"},
	       {"content_type": "application/x-mpegURL", "url": "C"}
	     ]}}
	  ]}
	}`
	m, err := Normalize([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if m.Text != "two things" {
		t.Fatalf("Text = %q", m.Text)
	}
	want := []MediaItem{{Kind: Photo, URL: "https://pbs/p1.jpg"}, {Kind: Video, URL: "B"}}
	if !reflect.DeepEqual(m.Media, want) {
		t.Fatalf("Media = %v, want %v", m.Media, want)
	}
	if m.LinkURL != "" {
		t.Fatalf("LinkURL = %q, want empty when media present", m.LinkURL)
	}
}

func TestNormalizeSkipsVideoWithoutBitrate(t *testing.T) {
	t.Parallel()
	raw := `{
	  "id_str": "31",
	  "text": "clip https://t.co/v2",
	  "user": {"name": "M", "screen_name": "m"},
	  "extended_entities": {"media": [
	    {"type": "video", "url": "https://t.co/v2", "video_info": {"variants": [{"content_type": "application/x-mpegURL", "url": "C"}]}},
	    {"type": "photo", "url": "https://t.co/v2", "media_url_https": "https://pbs/ok.jpg"}
	  ]}
	}`
	m, err := Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("video without bitrate must not fail the message: %v", err)
	}
	if !reflect.DeepEqual(m.Media, []MediaItem{{Kind: Photo, URL: "https://pbs/ok.jpg"}}) {
		t.Fatalf("Media = %v", m.Media)
	}
}

func TestBestVariant(t *testing.T) {
	t.Parallel()
	br := func(n int) *int { return &n }
	tests := []struct {
		name   string
		in     *VideoInfo
		want   string
		wantOK bool
	}{
		{name: "nil", in: nil},
		{name: "no bitrates", in: &VideoInfo{Variants: []VideoVariant{{URL: "C"}}}},
		{name: "zero bitrate counts", in: &VideoInfo{Variants: []VideoVariant{{Bitrate: br(0), URL: "gif"}}}, want: "gif", wantOK: true},
		{name: "max wins", in: &VideoInfo{Variants: []VideoVariant{{Bitrate: br(128), URL: "A"}, {Bitrate: br(512), URL: "B"}, {URL: "C"}}}, want: "B", wantOK: true},
		{name: "tie keeps first", in: &VideoInfo{Variants: []VideoVariant{{Bitrate: br(5), URL: "first"}, {Bitrate: br(5), URL: "second"}}}, want: "first", wantOK: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := bestVariant(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Fatalf("bestVariant() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestExpandLinksMultiple(t *testing.T) {
	t.Parallel()
	urls := []URLEntity{
		{URL: "t.co/2", ExpandedURL: "https://two.example", Indices: [2]int{9, 15}},
		{URL: "t.co/1", ExpandedURL: "https://one.example", Indices: [2]int{2, 8}},
	}
	text := "a t.co/1 t.co/2 z"
	got := expandLinks(text, text, urls)
	if got != "a https://one.example https://two.example z" {
		t.Fatalf("expandLinks = %q", got)
	}
	for _, u := range urls {
		if strings.Contains(got, u.URL) {
			t.Fatalf("short link %q left in %q", u.URL, got)
		}
		if n := strings.Count(got, u.ExpandedURL); n != 1 {
			t.Fatalf("%q occurs %d times", u.ExpandedURL, n)
		}
	}
	if again := expandLinks(got, text, urls); again != got {
		t.Fatalf("expanding twice changed text: %q", again)
	}
}

func TestExpandLinksDuplicateDisplayReplacedOnceEach(t *testing.T) {
	t.Parallel()
	urls := []URLEntity{
		{URL: "t.co/a", ExpandedURL: "https://first.example", Indices: [2]int{0, 6}},
		{URL: "t.co/a", ExpandedURL: "https://second.example", Indices: [2]int{7, 13}},
	}
	text := "t.co/a t.co/a"
	got := expandLinks(text, text, urls)
	if got != "https://first.example https://second.example" {
		t.Fatalf("expandLinks = %q", got)
	}
}

func TestExpandLinksFallsBackToIndices(t *testing.T) {
	t.Parallel()
	raw := "héllo t.co/zz"
	urls := []URLEntity{{ExpandedURL: "https://z.example", Indices: [2]int{6, 13}}}
	if got := expandLinks(raw, raw, urls); got != "héllo https://z.example" {
		t.Fatalf("expandLinks = %q", got)
	}
}

func TestNormalizeExtendedTweet(t *testing.T) {
	t.Parallel()
	raw := `{
	  "id_str": "40", "truncated": true,
	  "text": "short version…",
	  "user": {"name": "L", "screen_name": "l"},
	  "extended_tweet": {
	    "full_text": "the whole long text t.co/l",
	    "entities": {"urls": [{"url": "t.co/l", "expanded_url": "https://long.example", "indices": [20, 26]}]}
	  }
	}`
	m, err := Normalize([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if m.Text != "the whole long text https://long.example" || m.LinkURL != "https://long.example" {
		t.Fatalf("got %+v", m)
	}
}

func TestNormalizeMalformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `{"id": `},
		{name: "missing user", raw: `{"id": 1, "text": "x"}`},
		{name: "missing id", raw: `{"text": "x", "user": {"screen_name": "a"}}`},
		{name: "retweet without user", raw: `{"id": 1, "user": {"screen_name": "a"}, "retweeted_status": {"id": 2, "text": "y"}}`},
		{name: "quote without user", raw: `{"id": 1, "user": {"screen_name": "a"}, "quoted_status": {"id": 2, "text": "y"}}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Normalize([]byte(tt.raw))
			if !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("Normalize() = %v, want ErrMalformedEvent", err)
			}
			var me *MalformedEventError
			if !errors.As(err, &me) || me.Reason == "" {
				t.Fatalf("expected MalformedEventError with reason, got %v", err)
			}
		})
	}
}
