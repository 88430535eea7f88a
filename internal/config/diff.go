package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tweetfwd/pkg/logx"
)

// Section names returned by SummarizeConfigChange.
const (
	SectionTelegram    = "telegram"
	SectionTwitter     = "twitter"
	SectionStreams     = "streams"
	SectionMaintenance = "maintenance"
	SectionDelivery    = "delivery"
	SectionStorage     = "storage"
	SectionLogging     = "logging"
	SectionStatus      = "status"
)

// restartSections cannot be applied to a running process.
var restartSections = map[string]bool{
	SectionTelegram: true,
	SectionTwitter:  true,
	SectionStreams:  true,
	SectionStorage:  true,
}

// RequiresRestart reports whether a changed section only takes effect after
// a process restart.
func RequiresRestart(section string) bool { return restartSections[section] }

// SummarizeConfigChange returns the sorted list of changed sections and
// safe structured attrs for logging. Secrets are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, SectionTelegram)
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}
	if oldCfg.Twitter != newCfg.Twitter {
		changed = append(changed, SectionTwitter)
		attrs = append(attrs,
			logx.Bool("twitter.consumer_changed", oldCfg.Twitter.ConsumerKey != newCfg.Twitter.ConsumerKey ||
				oldCfg.Twitter.ConsumerSecret != newCfg.Twitter.ConsumerSecret),
			logx.String("twitter.stream_url", newCfg.Twitter.StreamURL),
		)
	}
	if oldCfg.Streams != newCfg.Streams {
		changed = append(changed, SectionStreams)
		attrs = append(attrs, logx.Int("streams.max_retries", newCfg.Streams.MaxRetries))
	}
	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, SectionMaintenance)
		attrs = append(attrs,
			logx.String("maintenance.interval", newCfg.Maintenance.Interval),
			logx.String("maintenance.schedule", newCfg.Maintenance.Schedule),
			logx.Bool("maintenance.reconcile", newCfg.Maintenance.ReconcileEnabled()),
		)
	}
	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, SectionDelivery)
		attrs = append(attrs,
			logx.Int("delivery.workers", newCfg.Delivery.Workers),
			logx.Int("delivery.rate_per_sec", newCfg.Delivery.RatePerSec),
			logx.Bool("delivery.persist_dedup", newCfg.Delivery.PersistDedup),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, SectionStorage)
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, SectionLogging)
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Status != newCfg.Status {
		changed = append(changed, SectionStatus)
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", newCfg.Status.Addr),
			logx.Bool("status.pprof", newCfg.Status.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
