package notifier

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	logx "tweetfwd/pkg/logx"
)

func dedupKey(chat int64, tweetID string) string {
	if tweetID == "" {
		return ""
	}
	return strconv.FormatInt(chat, 10) + "|" + tweetID
}

// markMemory reports whether key is new, and if so suppresses it for
// window. Expired entries are pruned and the map is capped at maxEntries.
func (s *Service) markMemory(key string, window time.Duration, maxEntries int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	if maxEntries > 0 && len(s.dedup) > maxEntries {
		for k, until := range s.dedup {
			if !now.Before(until) {
				delete(s.dedup, k)
			}
		}
		// Remove entries with earliest expiry until within cap.
		for len(s.dedup) > maxEntries {
			var (
				minKey string
				minT   time.Time
			)
			for k, t := range s.dedup {
				if minKey == "" || t.Before(minT) {
					minKey, minT = k, t
				}
			}
			delete(s.dedup, minKey)
		}
	}
	return true
}

// seenPersisted checks the store for a window written by an earlier run.
// Lookup errors count as unseen.
func (s *Service) seenPersisted(ctx context.Context, st DedupStore, key string) bool {
	if key == "" {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	until, ok, err := st.GetDedup(cctx, key)
	if err != nil {
		s.log.Debug("dedup lookup failed", logx.String("key", key), logx.Err(err))
		return false
	}
	return ok && time.Now().Before(until)
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st DedupStore) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.String("key", w.key), logx.Err(err))
			}
			cancel()
		}
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
