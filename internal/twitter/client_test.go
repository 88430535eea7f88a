package twitter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc, stall time.Duration) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return NewClient(
		App{ConsumerKey: "ck", ConsumerSecret: "cs"},
		Config{StreamURL: ts.URL, ConnectTimeout: 2 * time.Second, StallTimeout: stall},
		WithHTTPClient(ts.Client()),
	)
}

func TestConnectSignsAndStreams(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "OAuth ") {
			t.Errorf("missing OAuth1 authorization header")
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("follow") != "1,2" {
			t.Errorf("follow = %q (%v)", r.PostForm.Get("follow"), err)
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "\r\n")
		fmt.Fprint(w, `{"delete":{"status":{"id":1}}}`+"\r\n")
		fmt.Fprint(w, `{"limit":{"track":3}}`+"\r\n")
		fmt.Fprint(w, `{"id_str":"5","text":"hi","user":{"screen_name":"a"}}`+"\r\n")
		fmt.Fprint(w, "not json\r\n")
		fmt.Fprint(w, `{"disconnect":{"code":7,"reason":"admin logout"}}`+"\r\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := c.Connect(ctx, Credentials{Token: "t", Secret: "s"}, []string{"1", "2"})
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer conn.Close()

	got, err := conn.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if !strings.Contains(string(got), `"id_str":"5"`) {
		t.Fatalf("Next() = %s", got)
	}
	got, err = conn.Next(ctx)
	if err != nil || string(got) != "not json" {
		t.Fatalf("undecodable line should pass through, got %q, %v", got, err)
	}
	_, err = conn.Next(ctx)
	var de *DisconnectError
	if !errors.As(err, &de) || de.Code != 7 {
		t.Fatalf("Next() = %v, want DisconnectError code 7", err)
	}
	if errors.Is(err, ErrAuth) {
		t.Fatal("admin logout is not an auth failure")
	}
}

func TestConnectStatusClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		code  int
		check func(t *testing.T, err error)
	}{
		{name: "unauthorized", code: http.StatusUnauthorized, check: func(t *testing.T, err error) {
			if !errors.Is(err, ErrAuth) {
				t.Fatalf("err = %v, want ErrAuth", err)
			}
		}},
		{name: "forbidden", code: http.StatusForbidden, check: func(t *testing.T, err error) {
			if !errors.Is(err, ErrAuth) {
				t.Fatalf("err = %v, want ErrAuth", err)
			}
		}},
		{name: "enhance your calm", code: 420, check: func(t *testing.T, err error) {
			rl, ok := IsRateLimited(err)
			if !ok || rl.StatusCode != 420 {
				t.Fatalf("err = %v, want RateLimitedError", err)
			}
		}},
		{name: "too many requests", code: http.StatusTooManyRequests, check: func(t *testing.T, err error) {
			rl, ok := IsRateLimited(err)
			if !ok || rl.RetryAfter != 30*time.Second {
				t.Fatalf("err = %v, want RateLimitedError with retry-after", err)
			}
		}},
		{name: "server error", code: http.StatusServiceUnavailable, check: func(t *testing.T, err error) {
			var se *StatusError
			if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable || se.Body != "busy" {
				t.Fatalf("err = %v, want StatusError", err)
			}
			if errors.Is(err, ErrAuth) {
				t.Fatal("5xx must not be auth fatal")
			}
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "30")
				w.WriteHeader(tt.code)
				fmt.Fprint(w, "busy")
			}, time.Second)
			_, err := c.Connect(context.Background(), Credentials{Token: "t", Secret: "s"}, []string{"1"})
			if err == nil {
				t.Fatal("expected error")
			}
			tt.check(t, err)
		})
	}
}

func TestNextStall(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}, 50*time.Millisecond)

	conn, err := c.Connect(context.Background(), Credentials{Token: "t", Secret: "s"}, []string{"1"})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Next(context.Background()); !errors.Is(err, ErrStall) {
		t.Fatalf("Next() = %v, want ErrStall", err)
	}
}

func TestCloseUnblocksNext(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}, time.Minute)

	conn, err := c.Connect(context.Background(), Credentials{Token: "t", Secret: "s"}, []string{"1"})
	if err != nil {
		t.Fatal(err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Next(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = conn.Close()
	_ = conn.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("Next() returned nil error after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock Next")
	}
}

func TestNextReportsEOF(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"id":1,"text":"last","user":{"screen_name":"a"}}`+"\r\n")
	}, time.Second)

	conn, err := c.Connect(context.Background(), Credentials{Token: "t", Secret: "s"}, []string{"1"})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Next(context.Background()); err != nil {
		t.Fatalf("first Next() = %v", err)
	}
	if _, err := conn.Next(context.Background()); err == nil || errors.Is(err, ErrStall) {
		t.Fatalf("Next() after server close = %v, want read error", err)
	}
}

func TestNextRejectsOversizedFrame(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"id":1,"text":"ok","user":{"screen_name":"a"}}`+"\r\n")
		fmt.Fprint(w, strings.Repeat("x", 4096))
	}))
	t.Cleanup(ts.Close)
	c := NewClient(
		App{ConsumerKey: "ck", ConsumerSecret: "cs"},
		Config{StreamURL: ts.URL, ConnectTimeout: 2 * time.Second, StallTimeout: time.Second, MaxFrame: 256},
		WithHTTPClient(ts.Client()),
	)

	conn, err := c.Connect(context.Background(), Credentials{Token: "t", Secret: "s"}, []string{"1"})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Next(context.Background()); err != nil {
		t.Fatalf("first Next() = %v", err)
	}
	if _, err := conn.Next(context.Background()); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Next() = %v, want ErrFrameTooLarge", err)
	}
}

func TestDisconnectTokenRevokedIsAuth(t *testing.T) {
	t.Parallel()
	err := &DisconnectError{Code: disconnectTokenRevoked, Reason: "token revoked"}
	if !errors.Is(err, ErrAuth) {
		t.Fatal("token revoked disconnect should classify as auth failure")
	}
}

func TestConnectEmptyFollow(t *testing.T) {
	t.Parallel()
	c := NewClient(App{}, Config{})
	if _, err := c.Connect(context.Background(), Credentials{}, nil); err == nil {
		t.Fatal("expected error for empty follow set")
	}
}
