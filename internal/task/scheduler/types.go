package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "tweetfwd/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
	// DefaultTimeout applies to jobs registered with a zero timeout.
	DefaultTimeout time.Duration
}

// runState tracks one schedule's in-flight run.
type runState struct {
	running  atomic.Bool
	runs     atomic.Uint64
	skipped  atomic.Uint64
	failures atomic.Uint64

	mu      sync.Mutex
	lastErr error
	lastRun time.Time
	lastDur time.Duration
}

type scheduleDef struct {
	id            string
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           func(ctx context.Context) error
	entryID       cron.EntryID
	startupSpread time.Duration
	state         *runState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// runCtx is canceled by Stop; in-flight jobs observe it.
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

type ScheduleInfo struct {
	ID       string
	Name     string
	Spec     string
	Timeout  time.Duration
	Next     time.Time
	Prev     time.Time
	Running  bool
	Runs     uint64
	Skipped  uint64
	Failures uint64
	LastRun  time.Time
	LastDur  time.Duration
	LastErr  string
}

type Snapshot struct {
	Started   bool
	Timezone  string
	Schedules []ScheduleInfo
}
