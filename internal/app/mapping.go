package app

import (
	"strconv"
	"strings"
	"time"

	"tweetfwd/internal/config"
	"tweetfwd/internal/maintenance"
	"tweetfwd/internal/notifier"
	"tweetfwd/internal/observability/status"
	"tweetfwd/internal/storage"
	"tweetfwd/internal/stream"
	"tweetfwd/internal/task/scheduler"
	telegram "tweetfwd/internal/transport/telegram/adapter"
	"tweetfwd/internal/twitter"
	logx "tweetfwd/pkg/logx"
)

// Every map function runs on a config that passed Validate, so durations
// are parsed with config.DurationOr.

func groupLogChat(cfg *config.Config) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	tg := cfg.Logging.Telegram
	chat := groupLogChat(cfg)
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			// without a target chat the sink would only warn
			Enabled:    tg.Enabled && chat != 0,
			ChatID:     chat,
			ThreadID:   tg.ThreadID,
			MinLevel:   tg.MinLevel,
			RatePerSec: tg.RatePerSec,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		SendTimeout: config.DurationOr(cfg.Telegram.SendTimeout, 30*time.Second),
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	sc := storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: config.DurationOr(cfg.Storage.BusyTimeout, 5*time.Second),
	}
	if sc.Driver == "" {
		sc.Driver = "sqlite"
	}
	if sc.Driver == "sqlite" && sc.Path == "" {
		sc.Path = "./tweetfwd.db"
	}
	return sc
}

func mapTwitterConfig(cfg *config.Config) (twitter.App, twitter.Config) {
	return twitter.App{
			ConsumerKey:    strings.TrimSpace(cfg.Twitter.ConsumerKey),
			ConsumerSecret: strings.TrimSpace(cfg.Twitter.ConsumerSecret),
		}, twitter.Config{
			StreamURL:      strings.TrimSpace(cfg.Twitter.StreamURL),
			UserAgent:      strings.TrimSpace(cfg.Twitter.UserAgent),
			ConnectTimeout: config.DurationOr(cfg.Twitter.ConnectTimeout, twitter.DefaultConnectTimeout),
			StallTimeout:   config.DurationOr(cfg.Twitter.StallTimeout, twitter.DefaultStallTimeout),
		}
}

// mapStreamSettings leaves zero fields to stream defaults.
func mapStreamSettings(cfg *config.Config) stream.Settings {
	s := cfg.Streams
	return stream.Settings{
		BackoffMin:           config.DurationOr(s.BackoffMin, 0),
		BackoffMax:           config.DurationOr(s.BackoffMax, 0),
		RateLimitMin:         config.DurationOr(s.RateLimitMin, 0),
		ResetAfter:           config.DurationOr(s.ResetAfter, 0),
		MaxRetries:           s.MaxRetries,
		StopGrace:            config.DurationOr(s.StopGrace, 0),
		BootstrapConcurrency: s.BootstrapConcurrency,
	}
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	d := cfg.Delivery
	return notifier.Config{
		Workers:         d.Workers,
		QueueSize:       d.QueueSize,
		RatePerSec:      d.RatePerSec,
		RetryMax:        d.RetryMax,
		RetryBase:       config.DurationOr(d.RetryBase, 0),
		RetryMaxDelay:   config.DurationOr(d.RetryMaxDelay, 0),
		SendTimeout:     config.DurationOr(cfg.Telegram.SendTimeout, 0),
		DedupWindow:     config.DurationOr(d.DedupWindow, 24*time.Hour),
		DedupMaxEntries: d.DedupMaxEntries,
		PersistDedup:    d.PersistDedup,
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Timezone:       strings.TrimSpace(cfg.Maintenance.Timezone),
		DefaultTimeout: config.DurationOr(cfg.Maintenance.Timeout, maintenance.DefaultTimeout),
	}
}

func mapMaintenanceConfig(cfg *config.Config) maintenance.Config {
	m := cfg.Maintenance
	return maintenance.Config{
		Interval:  config.DurationOr(m.Interval, maintenance.DefaultInterval),
		Schedule:  strings.TrimSpace(m.Schedule),
		Timeout:   config.DurationOr(m.Timeout, maintenance.DefaultTimeout),
		Reconcile: m.ReconcileEnabled(),
	}
}

func mapStatusConfig(cfg *config.Config) status.Config {
	return status.Config{
		Enabled: cfg.Status.Enabled,
		Addr:    strings.TrimSpace(cfg.Status.Addr),
		Token:   strings.TrimSpace(cfg.Status.Token),
		Pprof:   cfg.Status.Pprof,
	}
}
