package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	kit "tweetfwd/internal/transport"
	logx "tweetfwd/pkg/logx"
)

type botAPI struct {
	mu      sync.Mutex
	methods []string
	bodies  []string
	fail    string // description returned with 403 when set
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	b.mu.Lock()
	b.methods = append(b.methods, method)
	b.bodies = append(b.bodies, string(body))
	fail := b.fail
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail != "" {
		fmt.Fprintf(w, `{"ok":false,"error_code":403,"description":%q}`, fail)
		return
	}
	if method == "sendMediaGroup" {
		fmt.Fprint(w, `{"ok":true,"result":[{"message_id":7,"chat":{"id":1}},{"message_id":8,"chat":{"id":1}}]}`)
		return
	}
	fmt.Fprint(w, `{"ok":true,"result":{"message_id":5,"chat":{"id":1}}}`)
}

func newTestAdapter(t *testing.T, api *botAPI) *Adapter {
	t.Helper()
	ts := httptest.NewServer(api)
	t.Cleanup(ts.Close)
	a, err := New(Config{Token: "123:abc", APIURL: ts.URL, Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return a
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: " "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestSendTextAndMedia(t *testing.T) {
	t.Parallel()
	api := &botAPI{}
	a := newTestAdapter(t, api)
	ctx := context.Background()
	to := kit.ChatTarget{ChatID: 1}

	ref, err := a.SendText(ctx, to, "<b>hi</b>", &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	if err != nil || ref.MessageID != 5 {
		t.Fatalf("SendText() = %+v, %v", ref, err)
	}
	if _, err := a.SendMedia(ctx, to, []kit.Media{{Kind: kit.MediaPhoto, URL: "https://x/a.jpg"}}, "cap", nil); err != nil {
		t.Fatalf("SendMedia(photo) error: %v", err)
	}
	if _, err := a.SendMedia(ctx, to, []kit.Media{{Kind: kit.MediaVideo, URL: "https://x/v.mp4"}}, "", nil); err != nil {
		t.Fatalf("SendMedia(video) error: %v", err)
	}
	ref, err = a.SendMedia(ctx, to, []kit.Media{
		{Kind: kit.MediaPhoto, URL: "https://x/a.jpg"},
		{Kind: kit.MediaVideo, URL: "https://x/v.mp4"},
	}, "cap", nil)
	if err != nil || ref.MessageID != 7 {
		t.Fatalf("SendMedia(album) = %+v, %v", ref, err)
	}
	if _, err := a.SendMedia(ctx, to, nil, "cap", nil); err == nil {
		t.Fatal("SendMedia without media should fail")
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	want := []string{"sendMessage", "sendPhoto", "sendVideo", "sendMediaGroup"}
	if strings.Join(api.methods, ",") != strings.Join(want, ",") {
		t.Fatalf("methods = %v, want %v", api.methods, want)
	}
	if !strings.Contains(api.bodies[1], "https://x/a.jpg") {
		t.Fatalf("photo URL not sent: %s", api.bodies[1])
	}
}

func TestSendBlockedIsPermanent(t *testing.T) {
	t.Parallel()
	api := &botAPI{fail: "Forbidden: bot was blocked by the user"}
	a := newTestAdapter(t, api)

	_, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: 1}, "hi", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var pe kit.PermanentError
	if !errors.As(err, &pe) || !pe.Permanent() {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestSendCanceled(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, &botAPI{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.SendText(ctx, kit.ChatTarget{ChatID: 1}, "hi", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("SendText() = %v, want Canceled", err)
	}
}

func TestClassifyPassesThroughUnknown(t *testing.T) {
	t.Parallel()
	base := errors.New("connection reset")
	if got := classify(base); got != base {
		t.Fatalf("classify() = %v, want unchanged", got)
	}
	if classify(nil) != nil {
		t.Fatal("classify(nil) != nil")
	}
}

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		in     string
		limit  int
		mode   string
		chunks int
	}{
		{name: "short", in: "hello", limit: 10, chunks: 1},
		{name: "exact", in: strings.Repeat("a", 10), limit: 10, chunks: 1},
		{name: "long", in: strings.Repeat("a", 25), limit: 10, chunks: 3},
		{name: "newline preferred", in: strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8), limit: 10, chunks: 2},
		{name: "multibyte", in: strings.Repeat("é", 15), limit: 10, chunks: 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitTelegramText(tt.in, tt.limit, tt.mode)
			if len(got) != tt.chunks {
				t.Fatalf("chunks = %d (%q), want %d", len(got), got, tt.chunks)
			}
			for _, c := range got {
				if n := utf8.RuneCountInString(c); n > tt.limit {
					t.Fatalf("chunk has %d runes, limit %d", n, tt.limit)
				}
			}
		})
	}
}

func TestSplitTelegramTextKeepsTagsWhole(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("x", 8) + "<b>bold</b>"
	got := splitTelegramText(in, 10, "HTML")
	if len(got) < 2 || strings.Contains(got[0], "<") {
		t.Fatalf("split inside a tag: %q", got)
	}
}
