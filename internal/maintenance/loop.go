package maintenance

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"tweetfwd/internal/eventbus"
	"tweetfwd/internal/stream"
	"tweetfwd/internal/task/scheduler"
	"tweetfwd/internal/twitter"
	logx "tweetfwd/pkg/logx"
)

const (
	ScheduleName    = "maintenance.tick"
	DefaultInterval = 3 * time.Minute
	DefaultTimeout  = 2 * time.Minute
)

// Store is what the tick reads and deletes.
type Store interface {
	stream.SubscriptionSource
	// PurgeChat deletes every stored row of chat. It runs only after the
	// chat's stream was removed.
	PurgeChat(ctx context.Context, chat int64) error
}

// Registry is the part of stream.Registry the tick drives.
type Registry interface {
	Reconcile(ctx context.Context, chat int64, follow []string, creds twitter.Credentials) error
	Remove(ctx context.Context, chat int64) error
	Snapshot() []stream.ChatState
}

type Config struct {
	Interval time.Duration
	// Schedule, when set, overrides Interval with a cron expression or any
	// form scheduler.ParseSchedule accepts.
	Schedule  string
	Timeout   time.Duration
	Reconcile bool
}

func (c Config) spec() string {
	if s := strings.TrimSpace(c.Schedule); s != "" {
		return s
	}
	if c.Interval <= 0 {
		return DefaultInterval.String()
	}
	return c.Interval.String()
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// Report summarizes one tick.
type Report struct {
	Retired   []int64
	Started   []int64
	Replaced  []int64
	Removed   []int64
	Unchanged int
	// AuthHeld counts auth-fatal chats left alone until their credentials change.
	AuthHeld int
	Took     time.Duration
	Err      error
}

type Loop struct {
	store Store
	reg   Registry
	sched *scheduler.Service
	bus   eventbus.Bus
	log   logx.Logger

	mu  sync.Mutex
	cfg Config
}

func New(cfg Config, store Store, reg Registry, sched *scheduler.Service, bus eventbus.Bus, log logx.Logger) *Loop {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{
		store: store,
		reg:   reg,
		sched: sched,
		bus:   bus,
		cfg:   cfg,
		log:   log.With(logx.String("comp", "maintenance")),
	}
}

// Start registers the tick and runs the first one right away.
func (l *Loop) Start() error {
	if err := l.register(); err != nil {
		return err
	}
	l.sched.RunNow(ScheduleName)
	return nil
}

// Apply swaps the config and re-registers the tick when its schedule or
// timeout changed.
func (l *Loop) Apply(cfg Config) error {
	l.mu.Lock()
	old := l.cfg
	l.cfg = cfg
	l.mu.Unlock()
	if old.spec() == cfg.spec() && old.timeout() == cfg.timeout() {
		return nil
	}
	l.log.Info("maintenance schedule changed", logx.String("old", old.spec()), logx.String("new", cfg.spec()))
	return l.register()
}

func (l *Loop) Stop() { l.sched.Remove(ScheduleName) }

func (l *Loop) config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

func (l *Loop) register() error {
	cfg := l.config()
	_, err := l.sched.AddSchedule(ScheduleName, cfg.spec(), cfg.timeout(), func(ctx context.Context) error {
		return l.Tick(ctx).Err
	})
	if err != nil {
		return fmt.Errorf("maintenance schedule %q: %w", cfg.spec(), err)
	}
	return nil
}

// Tick retires chats pending deletion and then, when enabled, reconciles
// the registry with stored subscriptions. Failures on one chat do not stop
// the others; they are joined into Report.Err.
func (l *Loop) Tick(ctx context.Context) Report {
	start := time.Now()
	var rep Report
	var errs []error

	retiring := map[int64]bool{}
	pending, err := l.store.ChatsPendingDeletion(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("pending deletion: %w", err))
	}
	for _, chat := range pending {
		retiring[chat] = true
		if err := l.retire(ctx, chat); err != nil {
			errs = append(errs, err)
			continue
		}
		rep.Retired = append(rep.Retired, chat)
	}

	if l.config().Reconcile && ctx.Err() == nil {
		if err := l.reconcile(ctx, retiring, &rep); err != nil {
			errs = append(errs, err)
		}
	}

	rep.Took = time.Since(start)
	rep.Err = errors.Join(errs...)
	l.bus.Publish(eventbus.Event{Type: eventbus.TypeMaintenanceRun, Data: rep})

	fields := []logx.Field{
		logx.Int("retired", len(rep.Retired)),
		logx.Int("started", len(rep.Started)),
		logx.Int("replaced", len(rep.Replaced)),
		logx.Int("removed", len(rep.Removed)),
		logx.Int("unchanged", rep.Unchanged),
		logx.Duration("took", rep.Took),
	}
	if rep.Err != nil {
		l.log.Warn("maintenance tick finished with errors", append(fields, logx.Err(rep.Err))...)
	} else {
		l.log.Debug("maintenance tick", fields...)
	}
	return rep
}

// retire stops the chat's stream before any stored data disappears.
func (l *Loop) retire(ctx context.Context, chat int64) error {
	if err := l.reg.Remove(ctx, chat); err != nil {
		return fmt.Errorf("chat %d: remove stream: %w", chat, err)
	}
	if err := l.store.PurgeChat(ctx, chat); err != nil {
		return fmt.Errorf("chat %d: purge: %w", chat, err)
	}
	l.log.Info("chat retired", logx.Chat(chat))
	l.bus.Publish(eventbus.Event{Type: eventbus.TypeChatRetired, Data: chat})
	return nil
}

func (l *Loop) reconcile(ctx context.Context, retiring map[int64]bool, rep *Report) error {
	chats, err := l.store.ChatsWithCredentials(ctx)
	if err != nil {
		return fmt.Errorf("chats with credentials: %w", err)
	}

	current := map[int64]stream.ChatState{}
	for _, st := range l.reg.Snapshot() {
		current[st.Chat] = st
	}

	var errs []error
	desired := map[int64]bool{}
	for _, chat := range chats {
		if retiring[chat] || ctx.Err() != nil {
			continue
		}
		creds, ok, err := l.store.Credentials(ctx, chat)
		if err != nil {
			errs = append(errs, fmt.Errorf("chat %d: credentials: %w", chat, err))
			desired[chat] = true // keep whatever runs now
			continue
		}
		if !ok {
			continue
		}
		ids, err := l.store.FollowedAccountIDs(ctx, chat)
		if err != nil {
			errs = append(errs, fmt.Errorf("chat %d: followed accounts: %w", chat, err))
			desired[chat] = true
			continue
		}
		ids = sortedIDs(ids)
		if len(ids) == 0 {
			continue
		}
		desired[chat] = true

		st, running := current[chat]
		switch {
		case running && st.AuthFatal && st.CredsPrint == creds.Fingerprint():
			rep.AuthHeld++
			continue
		case running && !st.Terminal && st.Status != stream.Stopped &&
			slices.Equal(st.Follow, ids) && st.CredsPrint == creds.Fingerprint():
			rep.Unchanged++
			continue
		}

		if err := l.reg.Reconcile(ctx, chat, ids, creds); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: reconcile: %w", chat, err))
			continue
		}
		if running {
			rep.Replaced = append(rep.Replaced, chat)
			l.log.Info("stream healed", logx.Chat(chat), logx.String("was", st.Status.String()))
		} else {
			rep.Started = append(rep.Started, chat)
			l.log.Info("missing stream started", logx.Chat(chat))
		}
	}

	for chat, st := range current {
		if desired[chat] || retiring[chat] || ctx.Err() != nil {
			continue
		}
		// Auth-fatal entries stay visible until the chat re-authorizes.
		if st.AuthFatal {
			continue
		}
		if err := l.reg.Remove(ctx, chat); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: remove: %w", chat, err))
			continue
		}
		rep.Removed = append(rep.Removed, chat)
		l.log.Info("orphan stream removed", logx.Chat(chat))
	}
	slices.Sort(rep.Removed)
	return errors.Join(errs...)
}

func sortedIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
