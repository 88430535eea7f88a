package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tweetfwd/internal/runtime/supervisor"
	"tweetfwd/internal/tweet"
	"tweetfwd/internal/twitter"
	logx "tweetfwd/pkg/logx"
)

// Settings tunes workers and the registry. Zero fields take defaults.
type Settings struct {
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	RateLimitMin time.Duration
	// ResetAfter is how long a connection must stream before the backoff
	// window and the failure count reset.
	ResetAfter time.Duration
	// MaxRetries bounds consecutive failed connections; 0 is unlimited.
	MaxRetries int
	// StopGrace bounds how long a replacement waits for the old worker.
	StopGrace            time.Duration
	BootstrapConcurrency int
}

func (s Settings) withDefaults() Settings {
	if s.BackoffMin <= 0 {
		s.BackoffMin = time.Second
	}
	if s.BackoffMax <= 0 {
		s.BackoffMax = 5 * time.Minute
	}
	if s.BackoffMax < s.BackoffMin {
		s.BackoffMax = s.BackoffMin
	}
	if s.RateLimitMin <= 0 {
		s.RateLimitMin = time.Minute
	}
	if s.ResetAfter <= 0 {
		s.ResetAfter = 30 * time.Second
	}
	if s.StopGrace <= 0 {
		s.StopGrace = 5 * time.Second
	}
	if s.BootstrapConcurrency <= 0 {
		s.BootstrapConcurrency = 4
	}
	return s
}

// worker owns one provider connection for one chat. Only the Registry
// creates, starts, and stops workers.
type worker struct {
	chat   int64
	follow []string
	creds  twitter.Credentials
	gen    string

	dialer   twitter.Dialer
	deliver  Deliverer
	seen     *recentIDs
	settings Settings
	log      logx.Logger

	// onStatus is called for every transition, outside mu.
	onStatus func(w *worker, st Status, err error)
	// onFatal is called once when the worker gives up for good.
	onFatal func(w *worker, err error)

	mu       sync.Mutex
	status   Status
	lastErr  error
	terminal bool
	since    time.Time
	conn     twitter.Conn
	sup      *supervisor.Supervisor
}

func newWorker(chat int64, follow []string, creds twitter.Credentials, dialer twitter.Dialer, deliver Deliverer, seen *recentIDs, settings Settings, log logx.Logger) *worker {
	gen := uuid.NewString()
	return &worker{
		chat:     chat,
		follow:   follow,
		creds:    creds,
		gen:      gen,
		dialer:   dialer,
		deliver:  deliver,
		seen:     seen,
		settings: settings,
		log:      log.With(logx.Chat(chat), logx.String("gen", gen[:8])),
		status:   Stopped,
		since:    time.Now(),
	}
}

func (w *worker) start(parent context.Context) {
	sup := supervisor.NewSupervisor(parent, supervisor.WithLogger(w.log))
	w.mu.Lock()
	w.sup = sup
	w.mu.Unlock()
	sup.Go("stream.worker", w.run)
}

// stop cancels the run loop, closes the live connection, and waits for the
// loop to exit or ctx to end. Idempotent.
func (w *worker) stop(ctx context.Context) error {
	w.mu.Lock()
	sup := w.sup
	conn := w.conn
	w.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	if conn != nil {
		_ = conn.Close()
	}
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrStopTimeout, err)
	}
	return nil
}

func (w *worker) state() ChatState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ChatState{
		Chat:       w.chat,
		Follow:     append([]string(nil), w.follow...),
		Status:     w.status,
		Err:        w.lastErr,
		Terminal:   w.terminal,
		AuthFatal:  w.terminal && errors.Is(w.lastErr, twitter.ErrAuth),
		CredsPrint: w.creds.Fingerprint(),
		Generation: w.gen,
		Since:      w.since,
	}
}

func (w *worker) setStatus(st Status, err error) {
	w.mu.Lock()
	changed := w.status != st || err != nil
	w.status = st
	w.lastErr = err
	if changed {
		w.since = time.Now()
	}
	w.mu.Unlock()
	if changed && w.onStatus != nil {
		w.onStatus(w, st, err)
	}
}

// attach records conn as the live connection. It fails when the worker is
// already stopping, in which case the caller closes conn.
func (w *worker) attach(ctx context.Context, conn twitter.Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	w.conn = conn
	return true
}

func (w *worker) detach() {
	w.mu.Lock()
	w.conn = nil
	w.mu.Unlock()
}

func (w *worker) run(ctx context.Context) error {
	defer func() {
		w.mu.Lock()
		terminal := w.terminal
		w.mu.Unlock()
		if !terminal {
			w.setStatus(Stopped, nil)
		}
	}()

	bo := supervisor.NewBackoff(w.settings.BackoffMin, w.settings.BackoffMax)
	failures := 0
	for ctx.Err() == nil {
		w.setStatus(Connecting, nil)
		err := w.session(ctx, bo, &failures)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, twitter.ErrAuth) {
			w.fail(err)
			return nil
		}
		failures++
		if n := w.settings.MaxRetries; n > 0 && failures > n {
			w.fail(fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, failures, err))
			return nil
		}

		wait := bo.Next()
		if rl, ok := twitter.IsRateLimited(err); ok {
			floor := w.settings.RateLimitMin
			if rl.RetryAfter > floor {
				floor = rl.RetryAfter
			}
			if wait < floor {
				bo.Raise(floor)
				wait = bo.Next()
			}
		}
		w.setStatus(Errored, err)
		w.log.Warn("stream error; reconnecting", logx.Int("attempt", failures), logx.Duration("backoff", wait), logx.Err(err))
		if !supervisor.Sleep(ctx, wait) {
			return nil
		}
	}
	return nil
}

// session runs one connection from dial to failure.
func (w *worker) session(ctx context.Context, bo *supervisor.Backoff, failures *int) error {
	conn, err := w.dialer.Connect(ctx, w.creds, w.follow)
	if err != nil {
		return err
	}
	if !w.attach(ctx, conn) {
		_ = conn.Close()
		return ctx.Err()
	}
	defer func() {
		w.detach()
		_ = conn.Close()
	}()

	w.setStatus(Streaming, nil)
	w.log.Info("stream connected", logx.Int("follow", len(w.follow)))
	started := time.Now()
	err = w.consume(ctx, conn)
	if time.Since(started) >= w.settings.ResetAfter {
		bo.Reset()
		*failures = 0
	}
	return err
}

// consume normalizes and delivers events in arrival order until the
// connection fails or ctx ends. Bad events are dropped.
func (w *worker) consume(ctx context.Context, conn twitter.Conn) error {
	for {
		raw, err := conn.Next(ctx)
		if err != nil {
			return err
		}
		msg, err := tweet.Normalize(raw, tweet.WithLogger(w.log))
		if err != nil {
			w.log.Warn("event dropped", logx.Err(err))
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !w.seen.add(msg.ID) {
			w.log.Debug("duplicate event dropped", logx.String("tweet", msg.ID))
			continue
		}
		w.deliver.Deliver(w.chat, msg)
	}
}

func (w *worker) fail(err error) {
	w.mu.Lock()
	w.terminal = true
	w.mu.Unlock()
	w.setStatus(Errored, err)
	w.log.Error("stream stopped permanently", logx.Err(err))
	if w.onFatal != nil {
		w.onFatal(w, err)
	}
}
