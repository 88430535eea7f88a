package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Validate checks required fields and that every duration parses.
// It does not touch the network or the filesystem.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if gl := strings.TrimSpace(c.Telegram.GroupLog); gl != "" {
		if _, err := strconv.ParseInt(gl, 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("telegram.group_log: %q is not a chat id", gl))
		}
	}
	if strings.TrimSpace(c.Twitter.ConsumerKey) == "" || strings.TrimSpace(c.Twitter.ConsumerSecret) == "" {
		errs = append(errs, errors.New("twitter.consumer_key and twitter.consumer_secret are required"))
	}

	durations := []struct{ path, raw string }{
		{"telegram.send_timeout", c.Telegram.SendTimeout},
		{"twitter.connect_timeout", c.Twitter.ConnectTimeout},
		{"twitter.stall_timeout", c.Twitter.StallTimeout},
		{"streams.backoff_min", c.Streams.BackoffMin},
		{"streams.backoff_max", c.Streams.BackoffMax},
		{"streams.rate_limit_min", c.Streams.RateLimitMin},
		{"streams.reset_after", c.Streams.ResetAfter},
		{"streams.stop_grace", c.Streams.StopGrace},
		{"maintenance.interval", c.Maintenance.Interval},
		{"maintenance.timeout", c.Maintenance.Timeout},
		{"delivery.retry_base", c.Delivery.RetryBase},
		{"delivery.retry_max_delay", c.Delivery.RetryMaxDelay},
		{"delivery.dedup_window", c.Delivery.DedupWindow},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Streams.MaxRetries < 0 {
		errs = append(errs, errors.New("streams.max_retries must be >= 0"))
	}
	if c.Streams.BootstrapConcurrency < 0 {
		errs = append(errs, errors.New("streams.bootstrap_concurrency must be >= 0"))
	}
	if c.Delivery.Workers < 0 || c.Delivery.QueueSize < 0 || c.Delivery.RatePerSec < 0 {
		errs = append(errs, errors.New("delivery: workers, queue_size and rate_per_sec must be >= 0"))
	}

	if addr := strings.TrimSpace(c.Status.Addr); c.Status.Enabled && addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("status.addr: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q (want sqlite or memory)", c.Storage.Driver))
	}
	return errors.Join(errs...)
}
