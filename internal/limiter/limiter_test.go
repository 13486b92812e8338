package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"graze/internal/apperr"
	"graze/internal/model"
)

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "graze", cfg, nil)
}

func publicUser(caps model.LimitCaps) *model.User {
	return &model.User{UID: "deadbeefdeadbeef", Status: model.StatusPublic, Caps: caps}
}

func TestDisabledBypasses(t *testing.T) {
	l := newTestLimiter(t, Config{Enabled: false})
	st, err := l.CheckAndIncrement(context.Background(), publicUser(model.DefaultPublicCaps), "/last", 100)
	if err != nil || !st.Bypass {
		t.Fatalf("disabled limiter: %v, %v", st, err)
	}
}

func TestAdminAndWhitelistBypass(t *testing.T) {
	l := newTestLimiter(t, Config{Enabled: true, Whitelist: []string{"feedfacefeedface"}})

	admin := &model.User{UID: "adminadminadmina", Status: model.StatusAdmin, Caps: model.DefaultPublicCaps}
	if st, err := l.CheckAndIncrement(context.Background(), admin, "/last", 0); err != nil || !st.Bypass {
		t.Errorf("admin: %v, %v", st, err)
	}

	listed := &model.User{UID: "feedfacefeedface", Status: model.StatusPublic, Caps: model.DefaultPublicCaps}
	if st, err := l.CheckAndIncrement(context.Background(), listed, "/last", 0); err != nil || !st.Bypass {
		t.Errorf("whitelisted: %v, %v", st, err)
	}
}

func TestBlacklistRejects(t *testing.T) {
	l := newTestLimiter(t, Config{Enabled: true, Blacklist: []string{"deadbeefdeadbeef"}})
	_, err := l.CheckAndIncrement(context.Background(), publicUser(model.DefaultPublicCaps), "/last", 0)
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("blacklisted user: %v", err)
	}
}

func TestRequestCap(t *testing.T) {
	l := newTestLimiter(t, Config{Enabled: true})
	user := publicUser(model.LimitCaps{RPM: 2})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		st, err := l.CheckAndIncrement(ctx, user, "/last", 0)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if st.Bypass {
			t.Fatal("capped user must not bypass")
		}
	}

	_, err := l.CheckAndIncrement(ctx, user, "/last", 0)
	var rle *apperr.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("third request: %v", err)
	}
	if rle.Metric != "rpm" || rle.Cap != 2 {
		t.Errorf("rejection = %+v", rle)
	}
	if rle.RetryAfter <= 0 || rle.RetryAfter > time.Minute {
		t.Errorf("retry_after = %v", rle.RetryAfter)
	}
}

func TestByteCap(t *testing.T) {
	l := newTestLimiter(t, Config{Enabled: true})
	user := publicUser(model.LimitCaps{SPM: 100})

	ctx := context.Background()
	if _, err := l.CheckAndIncrement(ctx, user, "/history", 60); err != nil {
		t.Fatal(err)
	}
	_, err := l.CheckAndIncrement(ctx, user, "/history", 60)
	var rle *apperr.RateLimitError
	if !errors.As(err, &rle) || rle.Metric != "spm" {
		t.Fatalf("byte overshoot: %v", err)
	}
}

func TestPointCapUsesRouteCost(t *testing.T) {
	l := newTestLimiter(t, Config{
		Enabled:     true,
		RoutePoints: map[string]int64{"/schema": 1, "/admin/**": 50},
	})
	user := publicUser(model.LimitCaps{PPM: 49})

	ctx := context.Background()
	// /admin/* costs 50: over a 49-point budget immediately.
	_, err := l.CheckAndIncrement(ctx, user, "/admin/users", 0)
	var rle *apperr.RateLimitError
	if !errors.As(err, &rle) || rle.Metric != "ppm" {
		t.Fatalf("expensive route: %v", err)
	}

	// /schema costs 1.
	if _, err := l.CheckAndIncrement(ctx, user, "/schema", 0); err != nil {
		t.Fatalf("cheap route: %v", err)
	}
}

func TestRoutePointsGlob(t *testing.T) {
	l := newTestLimiter(t, Config{
		Enabled:     true,
		RoutePoints: map[string]int64{"/schema": 1, "/history": 5, "/admin/**": 50},
	})
	tests := []struct {
		path string
		want int64
	}{
		{"/schema", 1},
		{"/history", 5},
		{"/admin/users/list", 50},
		{"/somewhere/else", DefaultRoutePoints},
	}
	for _, tt := range tests {
		if got := l.RoutePoints(tt.path); got != tt.want {
			t.Errorf("RoutePoints(%q) = %d, want %d", tt.path, got, tt.want)
		}
	}
}

func TestRemainingAndGetUserLimits(t *testing.T) {
	l := newTestLimiter(t, Config{Enabled: true})
	user := publicUser(model.LimitCaps{RPM: 10, PPM: 100})

	ctx := context.Background()
	st, err := l.CheckAndIncrement(ctx, user, "/last", 0)
	if err != nil {
		t.Fatal(err)
	}
	if st.Remaining["rpm"] != 9 {
		t.Errorf("rpm remaining = %d", st.Remaining["rpm"])
	}
	if st.Remaining["ppm"] != 90 {
		t.Errorf("ppm remaining = %d", st.Remaining["ppm"])
	}

	limits, err := l.GetUserLimits(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	rpm, ok := limits["rpm"]
	if !ok || rpm.Cap != 10 || rpm.Remaining != 9 {
		t.Errorf("rpm limits = %+v", rpm)
	}
	if rpm.TTL <= 0 || rpm.TTL > time.Minute {
		t.Errorf("rpm ttl = %v", rpm.TTL)
	}
	if _, ok := limits["spm"]; ok {
		t.Error("zero-cap metric must be inactive")
	}
}

func TestSecondsUntilBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 45, 0, time.UTC)
	if got := secondsUntilBoundary(now, time.Minute); got != 15*time.Second {
		t.Errorf("minute boundary = %v", got)
	}
	if got := secondsUntilBoundary(now, time.Hour); got != 59*time.Minute+15*time.Second {
		t.Errorf("hour boundary = %v", got)
	}
}
