package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tweetfwd/internal/tweet"
	"tweetfwd/internal/twitter"
)

// fakeDialer hands out fakeConns and tracks how many are open at once.
type fakeDialer struct {
	mu       sync.Mutex
	open     int
	maxOpen  int
	dials    int
	follows  [][]string
	connects func(n int, follow []string) ([]string, error)
	// block makes Connect wait for ctx before failing.
	block bool
}

func (d *fakeDialer) Connect(ctx context.Context, creds twitter.Credentials, follow []string) (twitter.Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.follows = append(d.follows, append([]string(nil), follow...))
	d.mu.Unlock()

	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	var payloads []string
	if d.connects != nil {
		var err error
		payloads, err = d.connects(n, follow)
		if err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	d.open++
	if d.open > d.maxOpen {
		d.maxOpen = d.open
	}
	d.mu.Unlock()
	return &fakeConn{d: d, payloads: payloads, closed: make(chan struct{})}, nil
}

func (d *fakeDialer) stats() (dials, open, maxOpen int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials, d.open, d.maxOpen
}

type fakeConn struct {
	d        *fakeDialer
	payloads []string
	closed   chan struct{}
	once     sync.Once
}

func (c *fakeConn) Next(ctx context.Context) ([]byte, error) {
	if len(c.payloads) > 0 {
		p := c.payloads[0]
		c.payloads = c.payloads[1:]
		return []byte(p), nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, twitter.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.d.mu.Lock()
		c.d.open--
		c.d.mu.Unlock()
	})
	return nil
}

type delivered struct {
	chat int64
	msg  tweet.Message
}

type fakeDeliverer struct {
	mu  sync.Mutex
	got []delivered
	n   atomic.Int32
}

func (f *fakeDeliverer) Deliver(chat int64, msg tweet.Message) {
	f.mu.Lock()
	f.got = append(f.got, delivered{chat: chat, msg: msg})
	f.mu.Unlock()
	f.n.Add(1)
}

func (f *fakeDeliverer) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.got))
	for _, d := range f.got {
		out = append(out, d.msg.ID)
	}
	return out
}

func statusJSON(id string) string {
	return fmt.Sprintf(`{"id_str":%q,"text":"tweet %s","user":{"name":"N","screen_name":"n"}}`, id, id)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastSettings() Settings {
	return Settings{
		BackoffMin:   time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
		RateLimitMin: 5 * time.Millisecond,
		StopGrace:    2 * time.Second,
	}
}

var testCreds = twitter.Credentials{Token: "tok", Secret: "sec"}

// chatDialer counts open connections per chat. The chat is carried in
// Credentials.Token.
type chatDialer struct {
	mu      sync.Mutex
	open    map[string]int
	maxOpen map[string]int
}

func newChatDialer() *chatDialer {
	return &chatDialer{open: map[string]int{}, maxOpen: map[string]int{}}
}

func chatCreds(chat int64) twitter.Credentials {
	return twitter.Credentials{Token: fmt.Sprint(chat), Secret: "sec"}
}

func (d *chatDialer) Connect(ctx context.Context, creds twitter.Credentials, _ []string) (twitter.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.open[creds.Token]++
	if d.open[creds.Token] > d.maxOpen[creds.Token] {
		d.maxOpen[creds.Token] = d.open[creds.Token]
	}
	d.mu.Unlock()
	return &chatConn{d: d, key: creds.Token, closed: make(chan struct{})}, nil
}

func (d *chatDialer) counts(chat int64) (open, maxOpen int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := fmt.Sprint(chat)
	return d.open[key], d.maxOpen[key]
}

type chatConn struct {
	d      *chatDialer
	key    string
	closed chan struct{}
	once   sync.Once
}

func (c *chatConn) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, twitter.ErrClosed
	}
}

func (c *chatConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.d.mu.Lock()
		c.d.open[c.key]--
		c.d.mu.Unlock()
	})
	return nil
}
