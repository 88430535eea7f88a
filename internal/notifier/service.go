package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tweetfwd/internal/eventbus"
	rtsup "tweetfwd/internal/runtime/supervisor"
	kit "tweetfwd/internal/transport"
	"tweetfwd/internal/tweet"
	logx "tweetfwd/pkg/logx"
)

type job struct {
	chat int64
	msg  tweet.Message
	key  string
}

// Service is the async delivery pipeline: sharded queues + worker per
// shard + rate limit + retry + dedup. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	store   DedupStore
	onGone  ChatGoneFunc

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	workWG    sync.WaitGroup

	shards   []chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	persistCh chan dedupWrite

	gmu  sync.Mutex
	gone map[int64]bool

	sent, deduped, dropped, failed atomic.Uint64
}

type dedupWrite struct {
	key   string
	until time.Time
}

type Option func(*Service)

// WithChatGone installs the hook for chats that permanently reject the bot.
func WithChatGone(fn ChatGoneFunc) Option { return func(s *Service) { s.onGone = fn } }

// WithDedupStore enables persisted dedup when Config.PersistDedup is set.
func WithDedupStore(st DedupStore) Option { return func(s *Service) { s.store = st } }

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		adapter: adapter,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		dedup:   map[string]time.Time{},
		gone:    map[int64]bool{},
	}
	for _, o := range opts {
		o(s)
	}
	s.applyLocked(cfg)
	return s
}

// Apply updates rate, retry, and dedup settings in place. Worker and queue
// sizes take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 20000
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	} else {
		s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		s.limiter.SetBurst(cfg.RatePerSec)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.shards != nil {
		s.mu.Unlock()
		return
	}

	n := s.cfg.Workers
	per := s.cfg.QueueSize / n
	if per < 16 {
		per = 16
	}
	s.shards = make([]chan job, n)
	for i := range s.shards {
		s.shards[i] = make(chan job, per)
	}
	s.accepting = true
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// delivery failures must not take down the streams
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	shards := s.shards
	pch := s.persistCh
	st := s.store
	s.mu.Unlock()

	if pch != nil {
		// exits once Stop closes pch after the shards drained
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
	s.workWG.Add(len(shards))
	for i, q := range shards {
		q := q
		// A panic restarts the loop; a closed queue or canceled context ends it.
		sup.GoRestart(fmt.Sprintf("shard.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.workWG.Done()
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("shards", len(shards)), logx.Int("queue_per_shard", per))
}

// Stop stops intake and drains the queues until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	shards := s.shards
	pch := s.persistCh
	sup := s.sup
	if shards == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// In-flight Deliver calls finish before the queues close.
		s.sendWG.Wait()
		for _, q := range shards {
			close(q)
		}
		s.workWG.Wait()
		if pch != nil {
			close(pch)
		}
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.shards = nil
		s.persistCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("notifier stopped")
	case <-ctx.Done():
		// Force-stop internal loops.
		if sup != nil {
			sup.Cancel()
		}
		s.log.Warn("notifier stop timed out; pending messages dropped", logx.Err(ctx.Err()))
	}
}

// Deliver queues msg for chat and returns immediately. Duplicates within
// the dedup window and messages for unreachable chats are dropped.
func (s *Service) Deliver(chat int64, msg tweet.Message) {
	if err := s.enqueue(chat, msg); err != nil && !errors.Is(err, errDuplicate) {
		s.log.Warn("message dropped", logx.Chat(chat), logx.String("tweet", msg.ID), logx.Err(err))
	}
}

var errDuplicate = errors.New("duplicate")

func (s *Service) enqueue(chat int64, msg tweet.Message) error {
	s.mu.Lock()
	if !s.accepting || s.shards == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	shards := s.shards
	window := s.cfg.DedupWindow
	maxEntries := s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if s.isGone(chat) {
		s.publish(eventbus.TypeNotifyDropped, job{chat: chat, msg: msg}, 0, ErrChatGone)
		return ErrChatGone
	}

	j := job{chat: chat, msg: msg, key: dedupKey(chat, msg.ID)}
	if window > 0 && j.key != "" && !s.markMemory(j.key, window, maxEntries) {
		s.deduped.Add(1)
		s.publish(eventbus.TypeNotifyDeduped, j, 0, nil)
		return errDuplicate
	}

	select {
	case shards[shardFor(chat, len(shards))] <- j:
		return nil
	default:
		// the key stays marked: a retry of the same event would be dropped
		// too, and the stream does not replay
		s.dropped.Add(1)
		s.publish(eventbus.TypeNotifyDropped, j, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

func shardFor(chat int64, n int) int {
	h := fnv.New32a()
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(uint64(chat) >> (8 * i))
	}
	_, _ = h.Write(b[:])
	return int(h.Sum32() % uint32(n))
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, j)
		}
	}
}

// send delivers one tweet, retrying each API call on transient errors.
func (s *Service) send(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	st := s.store
	pch := s.persistCh
	s.mu.Unlock()

	if s.isGone(j.chat) {
		s.dropped.Add(1)
		s.publish(eventbus.TypeNotifyDropped, j, 0, ErrChatGone)
		return
	}
	if cfg.PersistDedup && st != nil && cfg.DedupWindow > 0 && s.seenPersisted(ctx, st, j.key) {
		s.deduped.Add(1)
		s.publish(eventbus.TypeNotifyDeduped, j, 0, nil)
		return
	}

	to := kit.ChatTarget{ChatID: j.chat}
	attempts := 0
	for _, out := range render(j.msg) {
		n, err := s.call(ctx, cfg, lim, func(c context.Context) error {
			opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: !out.preview}
			if len(out.media) == 0 {
				_, err := ad.SendText(c, to, out.text, opt)
				return err
			}
			_, err := ad.SendMedia(c, to, out.media, out.text, opt)
			return err
		})
		attempts += n
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.failed.Add(1)
			s.publish(eventbus.TypeNotifyFailed, j, attempts, err)
			s.log.Warn("delivery failed", logx.Chat(j.chat), logx.String("tweet", j.msg.ID), logx.Int("attempts", attempts), logx.Err(err))
			if isPermanent(err) {
				s.markGone(ctx, j.chat, err)
			}
			return
		}
	}

	s.sent.Add(1)
	s.publish(eventbus.TypeNotifySent, j, attempts, nil)
	if pch != nil && cfg.DedupWindow > 0 && j.key != "" {
		select {
		case pch <- dedupWrite{key: j.key, until: time.Now().Add(cfg.DedupWindow)}:
		default:
		}
	}
}

// call runs fn under the rate limiter with retries. It returns the number
// of attempts made.
func (s *Service) call(ctx context.Context, cfg Config, lim *rate.Limiter, fn func(context.Context) error) (int, error) {
	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return attempt - 1, err
			}
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := fn(cctx)
		cancel()
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if isPermanent(err) || attempt >= maxAttempts {
			return attempt, err
		}

		delay := retryDelay(cfg, attempt)
		if ra := retryAfter(err); ra > delay {
			delay = ra
		}
		s.log.Debug("send failed; retrying", logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
		if !rtsup.Sleep(ctx, delay) {
			return attempt, ctx.Err()
		}
	}
	return maxAttempts, lastErr
}

func isPermanent(err error) bool {
	var pe kit.PermanentError
	return errors.As(err, &pe) && pe.Permanent()
}

func retryAfter(err error) time.Duration {
	var ra kit.RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}

func (s *Service) isGone(chat int64) bool {
	s.gmu.Lock()
	defer s.gmu.Unlock()
	return s.gone[chat]
}

// markGone records chat as unreachable and calls the hook once.
func (s *Service) markGone(ctx context.Context, chat int64, err error) {
	s.gmu.Lock()
	already := s.gone[chat]
	s.gone[chat] = true
	s.gmu.Unlock()
	if already {
		return
	}
	s.log.Warn("chat unreachable; no further deliveries", logx.Chat(chat), logx.Err(err))
	if s.onGone != nil {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		s.onGone(hctx, chat, err)
	}
}

// Forgive clears the unreachable flag, e.g. when the chat talks to the bot
// again.
func (s *Service) Forgive(chat int64) {
	s.gmu.Lock()
	delete(s.gone, chat)
	s.gmu.Unlock()
}

func (s *Service) publish(typ string, j job, attempts int, err error) {
	ev := DeliveryEvent{Chat: j.chat, TweetID: j.msg.ID, Attempts: attempts, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	shards := s.shards
	s.mu.Unlock()
	queued := 0
	for _, q := range shards {
		queued += len(q)
	}
	s.gmu.Lock()
	gone := len(s.gone)
	s.gmu.Unlock()
	return Stats{
		Shards:   len(shards),
		Queued:   queued,
		Sent:     s.sent.Load(),
		Deduped:  s.deduped.Load(),
		Dropped:  s.dropped.Load(),
		Failed:   s.failed.Load(),
		GoneChat: gone,
	}
}
