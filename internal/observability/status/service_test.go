package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	logx "tweetfwd/pkg/logx"
)

type fakeSource struct{ healthy bool }

func (f fakeSource) Healthy() bool { return f.healthy }
func (f fakeSource) Status() any   { return map[string]int{"streams": 2} }

func startService(t *testing.T, cfg Config, src Source) *Service {
	t.Helper()
	s := New(cfg, src, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	deadline := time.Now().Add(3 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("status endpoint did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s
}

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestEndpoints(t *testing.T) {
	t.Parallel()
	s := startService(t, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "sekret"}, fakeSource{healthy: true})
	base := "http://" + s.Addr()

	if code, _ := get(t, base+"/healthz", ""); code != http.StatusUnauthorized {
		t.Fatalf("healthz without token = %d", code)
	}
	if code, body := get(t, base+"/healthz", "sekret"); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}
	if code, _ := get(t, base+"/healthz?token=sekret", ""); code != http.StatusOK {
		t.Fatalf("healthz with query token = %d", code)
	}

	code, body := get(t, base+"/status", "sekret")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var got map[string]int
	if err := json.Unmarshal([]byte(body), &got); err != nil || got["streams"] != 2 {
		t.Fatalf("status body = %q (%v)", body, err)
	}
	if code, _ := get(t, base+"/debug/pprof/", "sekret"); code != http.StatusNotFound {
		t.Fatalf("pprof disabled but served: %d", code)
	}
}

func TestUnhealthyAndPprof(t *testing.T) {
	t.Parallel()
	s := startService(t, Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true}, fakeSource{})
	base := "http://" + s.Addr()

	if code, _ := get(t, base+"/healthz", ""); code != http.StatusServiceUnavailable {
		t.Fatalf("healthz = %d, want 503", code)
	}
	if code, _ := get(t, base+"/debug/pprof/", ""); code != http.StatusOK {
		t.Fatalf("pprof index = %d", code)
	}
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, fakeSource{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())
	time.Sleep(50 * time.Millisecond)
	if addr := s.Addr(); addr != "" {
		t.Fatalf("listening on %s without a token", addr)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:6060", true},
		{"[::1]:6060", true},
		{":6060", false},
		{"0.0.0.0:6060", false},
		{"10.0.0.1:6060", false},
		{"nonsense", false},
	}
	for _, tt := range tests {
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
