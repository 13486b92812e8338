// Package scheduler fires ingester ticks on their cron boundaries.
// Every tick is gated by a registry claim so that exactly one instance
// in the cluster runs a given (ingester, bucket) pair.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/semaphore"

	"graze/internal/logging"
	"graze/internal/model"
)

const (
	maxClaimTTL = 5 * time.Minute
	// tickEpsilon is shaved off the interval so a body never overlaps
	// its own next bucket.
	tickEpsilon = 100 * time.Millisecond

	defaultMaxWorkers      = 16
	defaultMaxTickDuration = 5 * time.Minute
)

// Claimer acquires per-bucket tick claims. The registry satisfies it.
type Claimer interface {
	ClaimTick(ctx context.Context, ingesterID string, bucket time.Time, ttl time.Duration) (bool, error)
}

// Body runs one ingester tick.
type Body func(ctx context.Context, ing *model.Ingester) error

// Config tunes the scheduler.
type Config struct {
	// MaxWorkers bounds concurrently running bodies.
	MaxWorkers int `yaml:"max_workers"`
	// MaxTickDuration caps any body's deadline regardless of interval.
	MaxTickDuration time.Duration `yaml:"max_tick_duration"`
}

// Scheduler wraps a shared cron scheduler. All ingesters register jobs
// here; bodies run on a weighted-semaphore worker pool.
type Scheduler struct {
	cfg    Config
	claims Claimer
	pool   *semaphore.Weighted
	logger *slog.Logger
	now    func() time.Time
	randFn func() float64

	mu      sync.Mutex
	cron    gocron.Scheduler
	jobs    map[string]gocron.Job
	baseCtx context.Context
}

func New(cfg Config, claims Claimer, logger *slog.Logger) (*Scheduler, error) {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.MaxTickDuration <= 0 {
		cfg.MaxTickDuration = defaultMaxTickDuration
	}
	c, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create cron scheduler: %w", err)
	}
	return &Scheduler{
		cfg:     cfg,
		claims:  claims,
		pool:    semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		logger:  logging.Default(logger).With("component", "scheduler"),
		now:     time.Now,
		randFn:  rand.Float64,
		cron:    c,
		jobs:    make(map[string]gocron.Job),
		baseCtx: context.Background(),
	}, nil
}

// AddIngester registers a cron job firing the body at each interval
// boundary. Names must be unique.
func (s *Scheduler) AddIngester(ing *model.Ingester, body Body) error {
	expr, err := ing.Interval.Cron()
	if err != nil {
		return fmt.Errorf("schedule %s: %w", ing.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[ing.Name]; exists {
		return fmt.Errorf("ingester already scheduled: %s", ing.Name)
	}

	j, err := s.cron.NewJob(
		gocron.CronJob(expr, true),
		gocron.NewTask(func() { s.tick(ing, body) }),
		gocron.WithName(ing.Name),
	)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", ing.Name, err)
	}
	s.jobs[ing.Name] = j
	s.logger.Info("ingester scheduled", "ingester", ing.Name, "interval", string(ing.Interval))
	return nil
}

// RemoveIngester unschedules an ingester. No-op when unknown.
func (s *Scheduler) RemoveIngester(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return
	}
	if err := s.cron.RemoveJob(j.ID()); err != nil {
		s.logger.Warn("failed to unschedule ingester", "ingester", name, "error", err)
	}
	delete(s.jobs, name)
	s.logger.Info("ingester unscheduled", "ingester", name)
}

// Jobs returns the scheduled ingester names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// Start begins firing jobs. ctx bounds every tick spawned afterwards.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	n := len(s.jobs)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", n)
}

// Stop shuts the scheduler down and waits for running ticks.
func (s *Scheduler) Stop() error {
	return s.cron.Shutdown()
}

// tick claims the current bucket and, when won, runs the body with a
// deadline on the worker pool. Lost claims are skipped silently; the
// claim is never released early, its TTL consumes the bucket.
func (s *Scheduler) tick(ing *model.Ingester, body Body) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	now := s.now()
	bucket, err := ing.Interval.BucketStart(now)
	if err != nil {
		s.logger.Error("invalid interval", "ingester", ing.Name, "error", err)
		return
	}
	interval, _ := ing.Interval.Duration()

	won, err := s.claims.ClaimTick(ctx, ing.ID(), bucket, claimTTL(interval))
	if err != nil {
		s.logger.Warn("claim attempt failed", "ingester", ing.Name, "error", err)
		return
	}
	if !won {
		s.logger.Debug("bucket claimed elsewhere", "ingester", ing.Name, "bucket", bucket)
		return
	}

	// Probabilistic skip happens after the claim so the bucket is
	// consumed cluster-wide either way.
	if p := ing.Probability; p > 0 && p < 1 && s.randFn() > p {
		s.logger.Debug("tick skipped by probability", "ingester", ing.Name, "bucket", bucket)
		return
	}

	if err := s.pool.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.pool.Release(1)

	deadline := tickDeadline(interval, s.cfg.MaxTickDuration)
	tickCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tick panicked", "ingester", ing.Name, "bucket", bucket, "panic", r)
		}
	}()

	start := s.now()
	if err := body(tickCtx, ing); err != nil {
		s.logger.Error("tick failed", "ingester", ing.Name, "bucket", bucket,
			"elapsed", s.now().Sub(start), "error", err)
		return
	}
	s.logger.Debug("tick complete", "ingester", ing.Name, "bucket", bucket,
		"elapsed", s.now().Sub(start))
}

// claimTTL bounds the claim lifetime: double the interval so slow bodies
// stay covered, capped at maxClaimTTL.
func claimTTL(interval time.Duration) time.Duration {
	ttl := 2 * interval
	if ttl > maxClaimTTL {
		return maxClaimTTL
	}
	return ttl
}

// tickDeadline leaves epsilon headroom before the next boundary, capped
// by the configured maximum.
func tickDeadline(interval, maxTick time.Duration) time.Duration {
	d := interval - tickEpsilon
	if d <= 0 {
		d = tickEpsilon
	}
	if d > maxTick {
		return maxTick
	}
	return d
}
