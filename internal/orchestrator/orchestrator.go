// Package orchestrator wires the process together: it owns the registry
// client, the storage adapter, the scheduler and the instance identity,
// turns configured ingesters into scheduled tick pipelines, and keeps
// the cluster registry in sync with the local configuration.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"graze/internal/ingester"
	"graze/internal/logging"
	"graze/internal/model"
	"graze/internal/registry"
	"graze/internal/scheduler"
	"graze/internal/store"
	"graze/internal/transform"
)

const (
	defaultHeartbeatTTL      = 90 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
)

// Config tunes the orchestrator.
type Config struct {
	// Scope controls how much of each schema is published to the
	// shared registry.
	Scope model.Scope
	// HeartbeatTTL is the registry presence key lifetime.
	HeartbeatTTL time.Duration
	// HeartbeatInterval is the refresh cadence; it must undercut the TTL.
	HeartbeatInterval time.Duration
	// ServeOnly keeps the resource set and heartbeat without scheduling
	// any ticks; API instances run this way.
	ServeOnly bool
}

// Orchestrator holds the process context and the tick pipeline.
//
// Concurrency model: ApplyConfig may be called at any time (config hot
// reload); it reconciles the scheduled set under mu. Ticks run on the
// scheduler's worker pool and never touch the registration maps.
type Orchestrator struct {
	cfg    Config
	reg    *registry.Registry
	db     store.Adapter
	sched  *scheduler.Scheduler
	engine *transform.Engine
	inst   *model.Instance
	users  *UserStore
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	ingesters map[string]*model.Ingester
	sigs      map[string]string
	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
}

// New builds the orchestrator around established collaborators. The
// transformation engine is constructed here: snapshots come from the
// registry, series windows from the storage adapter.
func New(cfg Config, reg *registry.Registry, db store.Adapter, sched *scheduler.Scheduler, inst *model.Instance, logger *slog.Logger) *Orchestrator {
	if cfg.Scope == 0 {
		cfg.Scope = model.ScopeAll
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = defaultHeartbeatTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	log := logging.Default(logger)
	return &Orchestrator{
		cfg:       cfg,
		reg:       reg,
		db:        db,
		sched:     sched,
		engine:    transform.New(reg, store.SeriesReader{Adapter: db}, log),
		inst:      inst,
		users:     NewUserStore(db),
		logger:    log.With("component", "orchestrator"),
		now:       time.Now,
		ingesters: make(map[string]*model.Ingester),
		sigs:      make(map[string]string),
		baseCtx:   context.Background(),
	}
}

// Users exposes the sys.users principal store.
func (o *Orchestrator) Users() *UserStore { return o.users }

// Registry exposes the shared registry client.
func (o *Orchestrator) Registry() *registry.Registry { return o.reg }

// Store exposes the storage adapter.
func (o *Orchestrator) Store() store.Adapter { return o.db }

// Instance reports the process identity.
func (o *Orchestrator) Instance() *model.Instance { return o.inst }

// IsRunning reports whether Start has been called and Stop has not.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Resources lists the locally configured ingesters, sorted by name.
func (o *Orchestrator) Resources() []*model.Ingester {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*model.Ingester, 0, len(o.ingesters))
	for _, ing := range o.ingesters {
		out = append(out, ing)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resource returns the named ingester, or nil.
func (o *Orchestrator) Resource(name string) *model.Ingester {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ingesters[name]
}

// ApplyConfig reconciles the scheduled set against a freshly loaded
// configuration: new ingesters are scheduled and registered, removed
// ones unscheduled, changed ones (by signature) replaced. Ingester
// types without a body implementation are logged and skipped.
func (o *Orchestrator) ApplyConfig(ctx context.Context, ingesters []*model.Ingester) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	wanted := make(map[string]*model.Ingester, len(ingesters))
	for _, ing := range ingesters {
		wanted[ing.Name] = ing
	}

	for name := range o.ingesters {
		if _, ok := wanted[name]; ok {
			continue
		}
		o.sched.RemoveIngester(name)
		if err := o.reg.UnregisterIngester(ctx, name); err != nil {
			o.logger.Warn("unregister failed", "ingester", name, "error", err)
		}
		delete(o.ingesters, name)
		delete(o.sigs, name)
	}

	var firstErr error
	for _, ing := range ingesters {
		sig := ing.Signature()
		if o.sigs[ing.Name] == sig {
			continue
		}
		if _, exists := o.ingesters[ing.Name]; exists {
			o.sched.RemoveIngester(ing.Name)
		}
		if err := o.add(ctx, ing); err != nil {
			if errors.Is(err, ingester.ErrUnsupportedType) {
				o.logger.Warn("skipping ingester", "ingester", ing.Name, "error", err)
				continue
			}
			o.logger.Error("failed to apply ingester", "ingester", ing.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		o.ingesters[ing.Name] = ing
		o.sigs[ing.Name] = sig
	}

	o.inst.ResourceCount = len(o.ingesters)
	o.logger.Info("configuration applied", "ingesters", len(o.ingesters))
	return firstErr
}

// add builds the body, prepares storage, schedules the pipeline and
// publishes the schema. Callers hold mu.
func (o *Orchestrator) add(ctx context.Context, ing *model.Ingester) error {
	body, err := ingester.New(ingester.Deps{
		Snapshots: o.reg,
		Schemas:   o.reg,
		BaseCtx:   o.baseCtx,
		Logger:    o.logger,
	}, ing)
	if err != nil {
		return err
	}

	// Sparse processor fields take their column types from registered
	// dependency schemas; this must land before the table is created.
	if ing.IngesterType == model.TypeProcessor {
		ingester.InheritFieldTypes(ctx, o.reg, o.logger, ing)
	}

	if persists(ing) {
		if err := o.db.CreateTable(ctx, ing, ""); err != nil {
			return fmt.Errorf("prepare table %s: %w", ing.Name, err)
		}
	}

	if !o.cfg.ServeOnly {
		if err := o.sched.AddIngester(ing, o.runTick(body)); err != nil {
			return err
		}
	}
	if err := o.reg.RegisterIngester(ctx, ing, o.cfg.Scope); err != nil {
		o.logger.Warn("schema registration failed", "ingester", ing.Name, "error", err)
	}
	return nil
}

// persists reports whether the resource type writes to storage.
func persists(ing *model.Ingester) bool {
	switch ing.ResourceType {
	case model.ResourceTimeSeries, model.ResourceSeries, model.ResourceUpdate:
		return true
	}
	return false
}

// Start begins scheduling ticks and heartbeating. ctx bounds every tick
// and long-lived stream spawned afterwards.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.baseCtx = runCtx
	o.cancel = cancel
	o.running = true
	o.mu.Unlock()

	if err := o.users.Prepare(ctx); err != nil {
		o.logger.Warn("sys.users table unavailable", "error", err)
	}

	o.inst.StartedAt = o.now().UTC()
	o.heartbeat(runCtx)
	o.wg.Add(1)
	go o.heartbeatLoop(runCtx)

	if !o.cfg.ServeOnly {
		o.sched.Start(runCtx)
	}
	o.logger.Info("orchestrator started",
		"instance", o.inst.Name, "uid", o.inst.UID, "serve_only", o.cfg.ServeOnly)
	return nil
}

// Stop shuts down the scheduler and waits for running ticks and the
// heartbeat loop.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	err := o.sched.Stop()
	cancel()
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
	return err
}

func (o *Orchestrator) heartbeatLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.heartbeat(ctx)
		}
	}
}

func (o *Orchestrator) heartbeat(ctx context.Context) {
	o.mu.Lock()
	o.inst.ResourceCount = len(o.ingesters)
	o.mu.Unlock()
	o.inst.UpdatedAt = o.now().UTC()
	if err := o.reg.Heartbeat(ctx, o.inst, o.cfg.HeartbeatTTL); err != nil {
		o.logger.Warn("heartbeat failed", "error", err)
	}
}
