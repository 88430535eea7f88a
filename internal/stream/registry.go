package stream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"tweetfwd/internal/eventbus"
	"tweetfwd/internal/runtime/supervisor"
	"tweetfwd/internal/tweet"
	"tweetfwd/internal/twitter"
	logx "tweetfwd/pkg/logx"
)

// Deliverer receives normalized messages. Deliver must not block for long.
type Deliverer interface {
	Deliver(chat int64, msg tweet.Message)
}

// Target is the desired stream for one chat.
type Target struct {
	Chat   int64
	Follow []string
	Creds  twitter.Credentials
}

// chatSlot serializes every operation on one chat. worker is written only
// while holding both mu and Registry.mu, so readers may use either lock.
type chatSlot struct {
	mu     sync.Mutex
	refs   int
	worker *worker
	seen   *recentIDs
}

// Registry owns every stream worker and keeps at most one live worker per
// chat. Operations on different chats run independently; operations on
// the same chat run one at a time, and a replacement starts only after the
// previous worker has exited.
type Registry struct {
	dialer   twitter.Dialer
	deliver  Deliverer
	settings Settings
	bus      eventbus.Bus
	log      logx.Logger

	onAuthFatal func(ctx context.Context, chat int64, err error)

	sup *supervisor.Supervisor

	mu     sync.Mutex
	slots  map[int64]*chatSlot
	closed bool
	// hooksOff is set before Close waits on sup; no hook starts after it.
	hooksOff bool
}

type RegistryOption func(*Registry)

func WithLogger(log logx.Logger) RegistryOption { return func(r *Registry) { r.log = log } }

func WithBus(b eventbus.Bus) RegistryOption { return func(r *Registry) { r.bus = b } }

func WithSettings(s Settings) RegistryOption { return func(r *Registry) { r.settings = s } }

// WithAuthFatal installs the hook run once per worker that the provider
// rejected. It runs on a registry goroutine, never under a registry lock.
func WithAuthFatal(fn func(ctx context.Context, chat int64, err error)) RegistryOption {
	return func(r *Registry) { r.onAuthFatal = fn }
}

func NewRegistry(parent context.Context, dialer twitter.Dialer, deliver Deliverer, opts ...RegistryOption) *Registry {
	r := &Registry{
		dialer:  dialer,
		deliver: deliver,
		slots:   map[int64]*chatSlot{},
		log:     logx.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.bus == nil {
		r.bus = eventbus.Nop{}
	}
	r.settings = r.settings.withDefaults()
	r.log = r.log.With(logx.String("comp", "stream"))
	r.sup = supervisor.NewSupervisor(parent, supervisor.WithLogger(r.log))
	return r
}

func (r *Registry) acquire(chat int64) (*chatSlot, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	s, ok := r.slots[chat]
	if !ok {
		s = &chatSlot{seen: newRecentIDs(0)}
		r.slots[chat] = s
	}
	s.refs++
	r.mu.Unlock()

	s.mu.Lock()
	return s, nil
}

func (r *Registry) release(chat int64, s *chatSlot) {
	s.mu.Unlock()

	// worker is read under r.mu: another caller may have installed one
	// between the unlock above and this point.
	r.mu.Lock()
	s.refs--
	if s.refs == 0 && s.worker == nil && r.slots[chat] == s {
		delete(r.slots, chat)
	}
	r.mu.Unlock()
}

func (r *Registry) setWorker(s *chatSlot, w *worker) {
	r.mu.Lock()
	s.worker = w
	r.mu.Unlock()
}

// Reconcile makes the chat stream exactly follow. An existing worker is
// stopped and waited for before the replacement starts. An empty follow
// set removes the chat. A running worker (live or in backoff) with the same
// follow set and credentials is left alone.
func (r *Registry) Reconcile(ctx context.Context, chat int64, follow []string, creds twitter.Credentials) error {
	ids := normalizeIDs(follow)
	if len(ids) == 0 {
		return r.Remove(ctx, chat)
	}

	s, err := r.acquire(chat)
	if err != nil {
		return err
	}
	defer r.release(chat, s)

	if old := s.worker; old != nil {
		st := old.state()
		if !st.Terminal && st.Status != Stopped && slices.Equal(old.follow, ids) && old.creds == creds {
			return nil
		}
		if err := r.stopWorker(ctx, old); err != nil {
			return err
		}
		r.setWorker(s, nil)
	}

	// Close may have run while this call waited for the old worker.
	if r.sup.Context().Err() != nil {
		return ErrRegistryClosed
	}

	w := newWorker(chat, ids, creds, r.dialer, r.deliver, s.seen, r.settings, r.log)
	w.onStatus = r.publishStatus
	w.onFatal = r.handleFatal
	r.setWorker(s, w)
	w.start(r.sup.Context())
	r.log.Info("stream started", logx.Chat(chat), logx.Int("follow", len(ids)), logx.String("gen", w.gen))
	return nil
}

// Remove stops the chat's worker, if any, and drops its entry.
func (r *Registry) Remove(ctx context.Context, chat int64) error {
	r.mu.Lock()
	_, ok := r.slots[chat]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	s, err := r.acquire(chat)
	if err != nil {
		return err
	}
	defer r.release(chat, s)

	if s.worker == nil {
		return nil
	}
	if err := r.stopWorker(ctx, s.worker); err != nil {
		return err
	}
	r.setWorker(s, nil)
	r.log.Info("stream removed", logx.Chat(chat))
	return nil
}

func (r *Registry) stopWorker(ctx context.Context, w *worker) error {
	sctx, cancel := context.WithTimeout(ctx, r.settings.StopGrace)
	defer cancel()
	if err := w.stop(sctx); err != nil {
		r.log.Error("stream did not stop", logx.Chat(w.chat), logx.String("gen", w.gen), logx.Err(err))
		return err
	}
	return nil
}

// Bootstrap reconciles every target concurrently, bounded by
// Settings.BootstrapConcurrency. One failing chat does not stop the others.
func (r *Registry) Bootstrap(ctx context.Context, targets []Target) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.settings.BootstrapConcurrency)

	var (
		mu   sync.Mutex
		errs []error
	)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			if err := r.Reconcile(gctx, t.Chat, t.Follow, t.Creds); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("chat %d: %w", t.Chat, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Status returns the chat's current state. ok is false when the chat has
// no worker.
func (r *Registry) Status(chat int64) (ChatState, bool) {
	r.mu.Lock()
	s, ok := r.slots[chat]
	var w *worker
	if ok {
		w = s.worker
	}
	r.mu.Unlock()
	if w == nil {
		return ChatState{Chat: chat, Status: Stopped}, false
	}
	return w.state(), true
}

// Snapshot returns the state of every chat with a worker, ordered by chat.
func (r *Registry) Snapshot() []ChatState {
	r.mu.Lock()
	workers := make([]*worker, 0, len(r.slots))
	for _, s := range r.slots {
		if s.worker != nil {
			workers = append(workers, s.worker)
		}
	}
	r.mu.Unlock()

	out := make([]ChatState, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.state())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chat < out[j].Chat })
	return out
}

// Close stops every worker and waits for them and for pending hooks.
// Later Reconcile calls fail with ErrRegistryClosed.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	chats := make([]int64, 0, len(r.slots))
	for chat := range r.slots {
		chats = append(chats, chat)
	}
	r.mu.Unlock()

	// Workers run under r.sup's context, so canceling it stops them all.
	r.sup.Cancel()
	var errs []error
	for _, chat := range chats {
		r.mu.Lock()
		s := r.slots[chat]
		r.mu.Unlock()
		if s == nil {
			continue
		}
		s.mu.Lock()
		w := s.worker
		s.mu.Unlock()
		if w != nil {
			if err := w.stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	r.mu.Lock()
	r.hooksOff = true
	r.mu.Unlock()
	if err := r.sup.Wait(ctx); err != nil && ctx.Err() != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Registry) publishStatus(w *worker, st Status, err error) {
	r.bus.Publish(eventbus.Event{
		Type: eventbus.TypeStreamStatus,
		Data: StatusEvent{Chat: w.chat, Status: st, Err: err, Generation: w.gen},
	})
}

func (r *Registry) handleFatal(w *worker, err error) {
	if !errors.Is(err, twitter.ErrAuth) {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type: eventbus.TypeStreamAuthFail,
		Data: StatusEvent{Chat: w.chat, Status: Errored, Err: err, Generation: w.gen},
	})
	if r.onAuthFatal == nil {
		return
	}
	chat := w.chat
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hooksOff {
		r.log.Warn("auth fatal hook skipped, registry closed", logx.Chat(chat))
		return
	}
	r.sup.Go0("stream.auth_fatal", func(ctx context.Context) {
		// the hook gets its own context so Close does not cut it short
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.settings.StopGrace)
		defer cancel()
		r.onAuthFatal(hctx, chat, err)
	})
}

// normalizeIDs returns the sorted distinct non-empty ids.
func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}
