package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tweetfwd/internal/eventbus"
	kit "tweetfwd/internal/transport"
	"tweetfwd/internal/tweet"
	logx "tweetfwd/pkg/logx"
)

type sent struct {
	chat    int64
	text    string
	media   []kit.Media
	preview bool
}

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []sent
	fails int // transient failures before success
	err   error
	block chan struct{}
	enter chan struct{}
	calls atomic.Int32
}

func (f *fakeAdapter) do(ctx context.Context, s sent) error {
	f.calls.Add(1)
	if f.enter != nil {
		select {
		case f.enter <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.fails > 0 {
		f.fails--
		return errors.New("temporary")
	}
	f.sent = append(f.sent, s)
	return nil
}

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{ChatID: to.ChatID}, f.do(ctx, sent{chat: to.ChatID, text: text, preview: !opt.DisablePreview})
}

func (f *fakeAdapter) SendMedia(ctx context.Context, to kit.ChatTarget, media []kit.Media, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{ChatID: to.ChatID}, f.do(ctx, sent{chat: to.ChatID, text: caption, media: media})
}

func (f *fakeAdapter) Stop(context.Context) error { return nil }

func (f *fakeAdapter) snapshot() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

type permanentErr struct{}

func (permanentErr) Error() string   { return "blocked" }
func (permanentErr) Permanent() bool { return true }

type memDedup struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (d *memDedup) PutDedup(_ context.Context, key string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[key] = until
	return nil
}

func (d *memDedup) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.m[key]
	return u, ok, nil
}

func testConfig() Config {
	return Config{
		Workers:       2,
		QueueSize:     64,
		RatePerSec:    1000,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Hour,
	}
}

func startNotifier(t *testing.T, cfg Config, ad kit.Adapter, opts ...Option) *Service {
	t.Helper()
	s := New(cfg, ad, logx.Nop(), nil, opts...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func msg(id string) tweet.Message {
	return tweet.Message{ID: id, Text: "tweet " + id, UserName: "Name", UserScreenName: "screen"}
}

func TestRender(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", captionLimit)
	tests := []struct {
		name  string
		msg   tweet.Message
		calls int
		check func(t *testing.T, out []outbound)
	}{
		{
			name:  "text escapes html",
			msg:   tweet.Message{Text: "a < b & c", UserName: "A&B", UserScreenName: "ab"},
			calls: 1,
			check: func(t *testing.T, out []outbound) {
				if out[0].text != "<b>A&amp;B</b> (@ab): a &lt; b &amp; c" {
					t.Fatalf("text = %q", out[0].text)
				}
				if out[0].preview {
					t.Fatal("preview enabled without a link")
				}
			},
		},
		{
			name:  "link enables preview",
			msg:   tweet.Message{Text: "see https://example.com", LinkURL: "https://example.com", UserName: "n", UserScreenName: "s"},
			calls: 1,
			check: func(t *testing.T, out []outbound) {
				if !out[0].preview {
					t.Fatal("preview disabled for a linked tweet")
				}
			},
		},
		{
			name:  "missing name falls back to handle",
			msg:   tweet.Message{Text: "t", UserScreenName: "s"},
			calls: 1,
			check: func(t *testing.T, out []outbound) {
				if !strings.HasPrefix(out[0].text, "<b>s</b> (@s): ") {
					t.Fatalf("text = %q", out[0].text)
				}
			},
		},
		{
			name: "media with caption",
			msg: tweet.Message{Text: "pic", UserName: "n", UserScreenName: "s", Media: []tweet.MediaItem{
				{Kind: tweet.Photo, URL: "p"}, {Kind: tweet.Video, URL: "v"},
			}},
			calls: 1,
			check: func(t *testing.T, out []outbound) {
				if len(out[0].media) != 2 || out[0].media[1].Kind != kit.MediaVideo || out[0].text == "" {
					t.Fatalf("out = %+v", out[0])
				}
			},
		},
		{
			name:  "long caption splits",
			msg:   tweet.Message{Text: long, UserName: "n", UserScreenName: "s", Media: []tweet.MediaItem{{Kind: tweet.Photo, URL: "p"}}},
			calls: 2,
			check: func(t *testing.T, out []outbound) {
				if len(out[0].media) != 0 || len(out[1].media) != 1 || out[1].text != "" {
					t.Fatalf("out = %+v", out)
				}
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := render(tt.msg)
			if len(out) != tt.calls {
				t.Fatalf("calls = %d, want %d", len(out), tt.calls)
			}
			tt.check(t, out)
		})
	}
}

func TestDeliverKeepsChatOrderAndDedups(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := startNotifier(t, testConfig(), ad)

	for i := 0; i < 10; i++ {
		s.Deliver(1, msg(fmt.Sprint(i)))
		s.Deliver(2, msg(fmt.Sprint(i)))
	}
	s.Deliver(1, msg("3"))
	waitFor(t, func() bool { return s.Stats().Sent == 20 })

	var chat1 []string
	for _, m := range ad.snapshot() {
		if m.chat == 1 {
			chat1 = append(chat1, strings.TrimPrefix(m.text, "<b>Name</b> (@screen): tweet "))
		}
	}
	if strings.Join(chat1, ",") != "0,1,2,3,4,5,6,7,8,9" {
		t.Fatalf("chat 1 order = %v", chat1)
	}
	if st := s.Stats(); st.Deduped != 1 || len(ad.snapshot()) != 20 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestDeliverRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{fails: 2}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := New(testConfig(), ad, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Deliver(1, msg("1"))
	for {
		select {
		case e := <-events:
			if e.Type != eventbus.TypeNotifySent {
				continue
			}
			if ev := e.Data.(DeliveryEvent); ev.Attempts != 3 || ev.TweetID != "1" {
				t.Fatalf("event = %+v", ev)
			}
			return
		case <-time.After(3 * time.Second):
			t.Fatal("no sent event")
		}
	}
}

func TestPermanentErrorMarksChatGone(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{err: permanentErr{}}
	var gone atomic.Int32
	s := startNotifier(t, testConfig(), ad, WithChatGone(func(_ context.Context, chat int64, err error) {
		if chat == 5 && isPermanent(err) {
			gone.Add(1)
		}
	}))

	s.Deliver(5, msg("1"))
	waitFor(t, func() bool { return gone.Load() == 1 })
	s.Deliver(5, msg("2"))
	time.Sleep(20 * time.Millisecond)

	if n := ad.calls.Load(); n != 1 {
		t.Fatalf("adapter calls = %d, permanent errors must not retry or continue", n)
	}
	if gone.Load() != 1 {
		t.Fatal("hook called more than once")
	}
	st := s.Stats()
	if st.GoneChat != 1 || st.Failed != 1 {
		t.Fatalf("stats = %+v", st)
	}

	s.Forgive(5)
	ad.mu.Lock()
	ad.err = nil
	ad.mu.Unlock()
	s.Deliver(5, msg("3"))
	waitFor(t, func() bool { return len(ad.snapshot()) == 1 })
}

func TestDeliverDropsWhenShardFull(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{block: make(chan struct{}), enter: make(chan struct{}, 1)}
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 16
	s := startNotifier(t, cfg, ad)
	defer close(ad.block)

	s.Deliver(1, msg("first"))
	<-ad.enter
	for i := 0; i < 16; i++ {
		s.Deliver(1, msg(fmt.Sprint(i)))
	}
	s.Deliver(1, msg("overflow"))

	if st := s.Stats(); st.Dropped != 1 || st.Queued != 16 {
		t.Fatalf("stats = %+v, want one drop and a full queue", st)
	}
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	store := &memDedup{m: map[string]time.Time{}}
	cfg := testConfig()
	cfg.PersistDedup = true

	ad := &fakeAdapter{}
	s := New(cfg, ad, logx.Nop(), nil, WithDedupStore(store))
	s.Start(context.Background())
	s.Deliver(1, msg("1"))
	waitFor(t, func() bool { return len(ad.snapshot()) == 1 })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if _, ok, _ := store.GetDedup(ctx, dedupKey(1, "1")); !ok {
		t.Fatal("dedup window not persisted")
	}

	ad2 := &fakeAdapter{}
	s2 := startNotifier(t, cfg, ad2, WithDedupStore(store))
	s2.Deliver(1, msg("1"))
	s2.Deliver(1, msg("2"))
	waitFor(t, func() bool { return len(ad2.snapshot()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := ad2.snapshot(); len(got) != 1 || !strings.HasSuffix(got[0].text, "tweet 2") {
		t.Fatalf("sent = %+v, want only tweet 2", got)
	}
}

func TestStopDrainsAndRejects(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := New(testConfig(), ad, logx.Nop(), nil)
	s.Start(context.Background())
	for i := 0; i < 5; i++ {
		s.Deliver(1, msg(fmt.Sprint(i)))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if n := len(ad.snapshot()); n != 5 {
		t.Fatalf("sent = %d, want queued messages drained", n)
	}
	if err := s.enqueue(1, msg("late")); !errors.Is(err, ErrStopped) {
		t.Fatalf("enqueue after Stop = %v, want ErrStopped", err)
	}
}

func TestShardForIsStable(t *testing.T) {
	t.Parallel()
	for _, chat := range []int64{-1001234567890, 0, 1, 42} {
		a, b := shardFor(chat, 7), shardFor(chat, 7)
		if a != b || a < 0 || a >= 7 {
			t.Fatalf("shardFor(%d) = %d, %d", chat, a, b)
		}
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("retryDelay(%d) = %v", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay = %v, want base with jitter", d)
	}
}
