package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tidwall/gjson"

	"github.com/randalmurphal/drover/internal/config"
	"github.com/randalmurphal/drover/internal/hosting"
	"github.com/randalmurphal/drover/internal/task"
)

// CanClaimTask decides whether any agent may claim this tick. The
// reason string names the first limit hit, for logs and `drover tick`
// output.
func (s *Scheduler) CanClaimTask(st *tickState) (bool, string) {
	limits := s.cfg.QueueLimits

	claimable := st.counts[task.QueueIncoming] + st.counts[task.QueueNeedsContinuation]
	if claimable == 0 {
		return false, "no claimable tasks"
	}
	if c := st.counts[task.QueueClaimed]; c >= limits.MaxClaimed {
		return false, fmt.Sprintf("claimed at limit (%d/%d)", c, limits.MaxClaimed)
	}
	if p := st.counts[task.QueueProvisional]; p >= limits.MaxProvisional {
		return false, fmt.Sprintf("provisional at limit (%d/%d)", p, limits.MaxProvisional)
	}
	if st.openPRs >= limits.MaxOpenPRs {
		return false, fmt.Sprintf("open PRs at limit (%d/%d)", st.openPRs, limits.MaxOpenPRs)
	}
	return true, ""
}

// CanCreateTask decides whether new work may enter the system.
func (s *Scheduler) CanCreateTask(st *tickState) (bool, string) {
	limits := s.cfg.QueueLimits
	inFlight := st.counts[task.QueueIncoming] + st.counts[task.QueueClaimed]
	if inFlight >= limits.MaxIncoming {
		return false, fmt.Sprintf("incoming+claimed at limit (%d/%d)", inFlight, limits.MaxIncoming)
	}
	return true, ""
}

// prCache caches the host's open PR count on disk so every tick does
// not burn an API call. Stale or unreadable cache entries trigger a
// refresh; a refresh failure falls back to the stale value.
type prCache struct {
	path     string
	ttl      time.Duration
	provider hosting.Provider
}

func newPRCache(cfg *config.Config, provider hosting.Provider) *prCache {
	ttl := cfg.Timing.PRCacheTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &prCache{path: cfg.StateDir().PRCacheFile(), ttl: ttl, provider: provider}
}

func (c *prCache) count(ctx context.Context, log *slog.Logger) int {
	if c.provider == nil {
		return 0
	}

	cached, fetchedAt, ok := c.read()
	if ok && time.Since(fetchedAt) < c.ttl {
		return cached
	}

	n, err := c.provider.OpenPRCount(ctx)
	if err != nil {
		log.Warn("refresh open PR count", "error", err)
		if ok {
			return cached
		}
		return 0
	}
	c.write(n)
	return n
}

func (c *prCache) read() (count int, fetchedAt time.Time, ok bool) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return 0, time.Time{}, false
	}
	parsed := gjson.ParseBytes(data)
	at := parsed.Get("fetched_at")
	if !at.Exists() {
		return 0, time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, at.String())
	if err != nil {
		return 0, time.Time{}, false
	}
	return int(parsed.Get("count").Int()), ts, true
}

func (c *prCache) write(count int) {
	data, err := json.Marshal(map[string]any{
		"count":      count,
		"fetched_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	_ = os.WriteFile(c.path, data, 0644)
}
