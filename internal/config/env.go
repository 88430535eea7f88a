package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override file values.
// A double underscore separates nesting levels:
//
//	TWFWD_TWITTER__CONSUMER_KEY -> twitter.consumer_key
const EnvPrefix = "TWFWD_"

// envKey maps an environment variable name to a dotted config key.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// ApplyEnv overlays TWFWD_* variables onto cfg. environ is the variable
// list in os.Environ form; nil reads the process environment.
func ApplyEnv(cfg *Config, environ []string) error {
	if cfg == nil {
		return nil
	}
	k := koanf.New(".")
	if environ == nil {
		if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
			return fmt.Errorf("env overlay: %w", err)
		}
	} else {
		for _, kv := range environ {
			name, val, ok := strings.Cut(kv, "=")
			if !ok || !strings.HasPrefix(name, EnvPrefix) {
				continue
			}
			if err := k.Set(envKey(name), val); err != nil {
				return fmt.Errorf("env overlay: %w", err)
			}
		}
	}
	if len(k.Keys()) == 0 {
		return nil
	}
	for _, key := range k.Keys() {
		if !knownKey(key) {
			return fmt.Errorf("env overlay: unknown key %q", key)
		}
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return fmt.Errorf("env overlay: %w", err)
	}
	return nil
}

// knownKey reports whether key is a leaf that the overlay may set.
// Only scalar settings are overridable; secrets are the main use.
func knownKey(key string) bool {
	_, ok := overridable[key]
	return ok
}

var overridable = map[string]struct{}{
	"telegram.token":                {},
	"telegram.group_log":            {},
	"twitter.consumer_key":          {},
	"twitter.consumer_secret":       {},
	"twitter.stream_url":            {},
	"storage.driver":                {},
	"storage.path":                  {},
	"logging.level":                 {},
	"maintenance.interval":          {},
	"maintenance.schedule":          {},
	"delivery.rate_per_sec":         {},
	"streams.max_retries":           {},
	"streams.bootstrap_concurrency": {},
	"status.addr":                   {},
	"status.token":                  {},
}
