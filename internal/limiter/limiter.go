// Package limiter enforces per-user request, byte and point budgets
// over minute/hour/day windows with atomic Redis counters.
package limiter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/redis/go-redis/v9"

	"graze/internal/apperr"
	"graze/internal/logging"
	"graze/internal/model"
)

// Metrics in fixed order: requests, bytes ("size"), points, each per
// minute/hour/day.
var metrics = []string{"rpm", "rph", "rpd", "spm", "sph", "spd", "ppm", "pph", "ppd"}

// DefaultRoutePoints is the fallback cost when no glob matches.
const DefaultRoutePoints = 10

// windowFor maps a metric suffix to its window width.
func windowFor(metric string) time.Duration {
	switch metric[len(metric)-1] {
	case 'm':
		return time.Minute
	case 'h':
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// secondsUntilBoundary returns the TTL aligned to the ceiling of the
// window the moment now falls in.
func secondsUntilBoundary(now time.Time, window time.Duration) time.Duration {
	return now.Truncate(window).Add(window).Sub(now)
}

// Config tunes the limiter. RoutePoints maps glob patterns
// ("/admin/**") to request costs.
type Config struct {
	Enabled     bool             `yaml:"enabled"`
	RoutePoints map[string]int64 `yaml:"route_points"`
	Whitelist   []string         `yaml:"whitelist"`
	Blacklist   []string         `yaml:"blacklist"`
}

// Status is the limiter's verdict on one request.
type Status struct {
	Bypass    bool                 `json:"bypass,omitempty"`
	Remaining map[string]int64     `json:"remaining,omitempty"`
	Reset     map[string]time.Time `json:"reset,omitempty"`
}

// MetricLimit is one entry of a user's limit inspection.
type MetricLimit struct {
	Cap       int64         `json:"cap"`
	Remaining int64         `json:"remaining"`
	TTL       time.Duration `json:"ttl"`
	Reset     time.Time     `json:"reset"`
}

// Limiter checks and updates the nine per-user counters.
type Limiter struct {
	rdb       redis.UniversalClient
	ns        string
	cfg       Config
	whitelist map[string]bool
	blacklist map[string]bool
	logger    *slog.Logger
	now       func() time.Time
}

func New(rdb redis.UniversalClient, ns string, cfg Config, logger *slog.Logger) *Limiter {
	l := &Limiter{
		rdb:       rdb,
		ns:        ns,
		cfg:       cfg,
		whitelist: make(map[string]bool, len(cfg.Whitelist)),
		blacklist: make(map[string]bool, len(cfg.Blacklist)),
		logger:    logging.Default(logger),
		now:       time.Now,
	}
	for _, uid := range cfg.Whitelist {
		l.whitelist[uid] = true
	}
	for _, uid := range cfg.Blacklist {
		l.blacklist[uid] = true
	}
	return l
}

func (l *Limiter) key(metric, uid string) string {
	return fmt.Sprintf("%s:limiter:%s:%s", l.ns, metric, uid)
}

// RoutePoints resolves the configured cost of a path with glob
// fallback.
func (l *Limiter) RoutePoints(path string) int64 {
	if pts, ok := l.cfg.RoutePoints[path]; ok {
		return pts
	}
	for pattern, pts := range l.cfg.RoutePoints {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return pts
		}
	}
	return DefaultRoutePoints
}

// increments computes the per-metric deltas for one request.
func increments(responseBytes, points int64) map[string]int64 {
	out := make(map[string]int64, len(metrics))
	for _, m := range metrics {
		switch m[0] {
		case 'r':
			out[m] = 1
		case 's':
			out[m] = responseBytes
		default:
			out[m] = points
		}
	}
	return out
}

// CheckAndIncrement admits or rejects a request and, when admitted,
// commits the counter increments. Rejection returns a
// *apperr.RateLimitError carrying the tightest retry_after.
func (l *Limiter) CheckAndIncrement(ctx context.Context, user *model.User, path string, responseBytes int64) (*Status, error) {
	if !l.cfg.Enabled {
		return &Status{Bypass: true}, nil
	}
	if l.blacklist[user.UID] {
		return nil, fmt.Errorf("%w: user %s is blacklisted", apperr.ErrForbidden, user.UID)
	}
	if l.whitelist[user.UID] || user.IsAdmin() {
		return &Status{Bypass: true}, nil
	}

	now := l.now()
	points := l.RoutePoints(path)
	caps := user.Caps.ByMetric()
	incs := increments(responseBytes, points)

	// Active metrics are the ones with a positive cap.
	var active []string
	for _, m := range metrics {
		if caps[m] > 0 {
			active = append(active, m)
		}
	}
	if len(active) == 0 {
		return &Status{Bypass: true}, nil
	}

	keys := make([]string, len(active))
	for i, m := range active {
		keys[i] = l.key(m, user.UID)
	}
	raw, err := l.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: limiter read: %v", apperr.ErrTransientBackend, err)
	}

	current := make(map[string]int64, len(active))
	for i, m := range active {
		if raw[i] == nil {
			continue
		}
		s, _ := raw[i].(string)
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			l.logger.Warn("resetting corrupt limiter counter", "key", keys[i], "value", s)
			continue
		}
		current[m] = n
	}

	// Pre-check against the pre-state. Request metrics trip at the cap
	// itself (this slot is already the cap-th request).
	for _, m := range active {
		over := current[m]+incs[m] > caps[m]
		if m[0] == 'r' {
			over = current[m] >= caps[m]
		}
		if over {
			retry := l.tightestRetry(ctx, user.UID, m[0], active, now)
			return nil, &apperr.RateLimitError{
				Metric:     m,
				Current:    current[m],
				Cap:        caps[m],
				RetryAfter: retry,
			}
		}
	}

	// Commit: INCRBY + EXPIRE per active counter, one pipeline.
	pipe := l.rdb.Pipeline()
	for _, m := range active {
		key := l.key(m, user.UID)
		pipe.IncrBy(ctx, key, incs[m])
		pipe.Expire(ctx, key, secondsUntilBoundary(now, windowFor(m)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: limiter commit: %v", apperr.ErrTransientBackend, err)
	}

	st := &Status{
		Remaining: make(map[string]int64, len(active)),
		Reset:     make(map[string]time.Time, len(active)),
	}
	for _, m := range active {
		remaining := caps[m] - current[m] - incs[m]
		if remaining < 0 {
			remaining = 0
		}
		st.Remaining[m] = remaining
		st.Reset[m] = now.Truncate(windowFor(m)).Add(windowFor(m))
	}
	return st, nil
}

// tightestRetry finds the soonest-expiring window among the rejected
// metric kind's counters.
func (l *Limiter) tightestRetry(ctx context.Context, uid string, kind byte, active []string, now time.Time) time.Duration {
	best := time.Duration(0)
	for _, m := range active {
		if m[0] != kind {
			continue
		}
		ttl, err := l.rdb.TTL(ctx, l.key(m, uid)).Result()
		if err != nil || ttl <= 0 {
			ttl = secondsUntilBoundary(now, windowFor(m))
		}
		if best == 0 || ttl < best {
			best = ttl
		}
	}
	if best == 0 {
		best = time.Minute
	}
	return best
}

// GetUserLimits reports cap, remaining, TTL and reset time for each of
// the user's active metrics.
func (l *Limiter) GetUserLimits(ctx context.Context, user *model.User) (map[string]MetricLimit, error) {
	now := l.now()
	caps := user.Caps.ByMetric()

	out := make(map[string]MetricLimit, len(metrics))
	pipe := l.rdb.Pipeline()
	gets := make(map[string]*redis.StringCmd, len(metrics))
	ttls := make(map[string]*redis.DurationCmd, len(metrics))
	for _, m := range metrics {
		if caps[m] <= 0 {
			continue
		}
		key := l.key(m, user.UID)
		gets[m] = pipe.Get(ctx, key)
		ttls[m] = pipe.TTL(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%w: limits read: %v", apperr.ErrTransientBackend, err)
	}

	for m, cmd := range gets {
		var current int64
		if s, err := cmd.Result(); err == nil {
			current, _ = strconv.ParseInt(s, 10, 64)
		}
		ttl, err := ttls[m].Result()
		if err != nil || ttl <= 0 {
			ttl = secondsUntilBoundary(now, windowFor(m))
		}
		remaining := caps[m] - current
		if remaining < 0 {
			remaining = 0
		}
		out[m] = MetricLimit{
			Cap:       caps[m],
			Remaining: remaining,
			TTL:       ttl,
			Reset:     now.Add(ttl),
		}
	}
	return out, nil
}
