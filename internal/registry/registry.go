// Package registry wraps the shared Redis instance that coordinates a
// cluster: claim locks, live field snapshots, pub/sub delta channels,
// the ingester registry and instance heartbeats. It is the only
// cross-instance state in the system.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"graze/internal/apperr"
	"graze/internal/logging"
	"graze/internal/model"
)

const (
	// DefaultNamespace prefixes every key and channel.
	DefaultNamespace = "graze"

	registryLockTTL     = 5 * time.Second
	registryLockRetry   = 100 * time.Millisecond
	registryLockTimeout = 10 * time.Second

	// snapshotTTL keeps stale resources from lingering forever when an
	// ingester is retired.
	snapshotTTL = 365 * 24 * time.Hour

	topicCacheTTL = 15 * time.Minute
)

// Registry is a namespaced client over Redis. All methods are safe for
// concurrent use.
type Registry struct {
	rdb    redis.UniversalClient
	ns     string
	uid    string
	logger *slog.Logger

	topicMu       sync.Mutex
	topicCache    []string
	topicCachedAt time.Time
}

// New wraps an established Redis client. uid is the owning instance's
// UID; it becomes the value of every lock this registry writes.
func New(rdb redis.UniversalClient, ns, uid string, logger *slog.Logger) *Registry {
	if ns == "" {
		ns = DefaultNamespace
	}
	return &Registry{
		rdb:    rdb,
		ns:     ns,
		uid:    uid,
		logger: logging.Default(logger),
	}
}

// Client exposes the underlying connection for collaborators that need
// raw command access (the rate limiter's pipelines).
func (r *Registry) Client() redis.UniversalClient { return r.rdb }

// Namespace returns the configured key prefix.
func (r *Registry) Namespace() string { return r.ns }

// Key builds a namespaced key from parts.
func (r *Registry) Key(parts ...string) string {
	return r.ns + ":" + strings.Join(parts, ":")
}

func (r *Registry) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %v", apperr.ErrTransientBackend, err)
	}
	return nil
}

// --- claim locks ---

func (r *Registry) claimKey(ingesterID string, bucket time.Time) string {
	return r.Key("claims", ingesterID, fmt.Sprint(bucket.UTC().Unix()))
}

// ClaimTick attempts to take exclusive ownership of one (ingester,
// bucket) pair via SET NX EX. It returns false when another instance
// already holds the claim.
func (r *Registry) ClaimTick(ctx context.Context, ingesterID string, bucket time.Time, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.claimKey(ingesterID, bucket), r.uid, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: claim %s: %v", apperr.ErrTransientBackend, ingesterID, err)
	}
	return ok, nil
}

// ClaimOwner reports who holds the claim, empty when unclaimed.
func (r *Registry) ClaimOwner(ctx context.Context, ingesterID string, bucket time.Time) (string, error) {
	val, err := r.rdb.Get(ctx, r.claimKey(ingesterID, bucket)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: claim owner: %v", apperr.ErrTransientBackend, err)
	}
	return val, nil
}

// ReleaseClaim frees a claim this instance owns. Claims held by other
// instances are left to expire.
func (r *Registry) ReleaseClaim(ctx context.Context, ingesterID string, bucket time.Time) error {
	key := r.claimKey(ingesterID, bucket)
	owner, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: release claim: %v", apperr.ErrTransientBackend, err)
	}
	if owner != r.uid {
		return nil
	}
	return r.rdb.Del(ctx, key).Err()
}

// --- snapshots ---

func (r *Registry) snapshotKey(name string) string {
	return r.Key("resource", name)
}

// SetSnapshot writes the live value map of a resource.
func (r *Registry) SetSnapshot(ctx context.Context, name string, values map[string]any) error {
	raw, err := msgpack.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", name, err)
	}
	if err := r.rdb.Set(ctx, r.snapshotKey(name), raw, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("%w: set snapshot %s: %v", apperr.ErrTransientBackend, name, err)
	}
	return nil
}

// Snapshot reads the live value map of a resource. A missing snapshot
// returns (nil, nil); dependents treat it as "no committed value yet".
func (r *Registry) Snapshot(ctx context.Context, name string) (map[string]any, error) {
	raw, err := r.rdb.Get(ctx, r.snapshotKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get snapshot %s: %v", apperr.ErrTransientBackend, name, err)
	}
	var values map[string]any
	if err := msgpack.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", name, err)
	}
	return values, nil
}

// SnapshotBatch reads several resources in one MGET. Missing resources
// map to nil entries.
func (r *Registry) SnapshotBatch(ctx context.Context, names []string) (map[string]map[string]any, error) {
	if len(names) == 0 {
		return map[string]map[string]any{}, nil
	}
	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = r.snapshotKey(name)
	}
	raws, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot batch: %v", apperr.ErrTransientBackend, err)
	}
	out := make(map[string]map[string]any, len(names))
	for i, raw := range raws {
		if raw == nil {
			out[names[i]] = nil
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("snapshot batch: unexpected payload %T for %s", raw, names[i])
		}
		var values map[string]any
		if err := msgpack.Unmarshal([]byte(s), &values); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", names[i], err)
		}
		out[names[i]] = values
	}
	return out, nil
}

// --- pub/sub ---

// Delta is one decoded pub/sub message.
type Delta struct {
	Topic string
	Data  map[string]any
}

// Publish encodes values and publishes them on {ns}:{topic}.
func (r *Registry) Publish(ctx context.Context, topic string, values map[string]any) error {
	raw, err := msgpack.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode delta %s: %w", topic, err)
	}
	if err := r.rdb.Publish(ctx, r.ns+":"+topic, raw).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", apperr.ErrTransientBackend, topic, err)
	}
	return nil
}

// Subscription pumps decoded deltas from a pattern subscription.
type Subscription struct {
	ps     *redis.PubSub
	ch     chan Delta
	ns     string
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// PSubscribe subscribes to one or more topic patterns (glob syntax,
// without the namespace prefix) and starts the decode pump.
func (r *Registry) PSubscribe(ctx context.Context, patterns ...string) *Subscription {
	full := make([]string, len(patterns))
	for i, p := range patterns {
		full[i] = r.ns + ":" + p
	}
	sub := &Subscription{
		ps:     r.rdb.PSubscribe(ctx, full...),
		ch:     make(chan Delta, 256),
		ns:     r.ns,
		logger: r.logger,
		done:   make(chan struct{}),
	}
	go sub.pump()
	return sub
}

// Deltas is the stream of decoded messages. It closes when the
// subscription is closed.
func (s *Subscription) Deltas() <-chan Delta { return s.ch }

func (s *Subscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.ps.Close()
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		var data map[string]any
		if err := msgpack.Unmarshal([]byte(msg.Payload), &data); err != nil {
			s.logger.Warn("dropping undecodable delta", "channel", msg.Channel, "error", err)
			continue
		}
		delta := Delta{
			Topic: strings.TrimPrefix(msg.Channel, s.ns+":"),
			Data:  data,
		}
		// Never block on a consumer that went away before Close.
		select {
		case s.ch <- delta:
		case <-s.done:
			return
		}
	}
}

// Topics lists the currently active delta channels, namespace stripped.
// Results are cached in-process; pass force to bypass the cache.
func (r *Registry) Topics(ctx context.Context, force bool) ([]string, error) {
	r.topicMu.Lock()
	defer r.topicMu.Unlock()
	if !force && r.topicCache != nil && time.Since(r.topicCachedAt) < topicCacheTTL {
		return r.topicCache, nil
	}
	chans, err := r.rdb.PubSubChannels(ctx, r.ns+":*").Result()
	if err != nil {
		return nil, fmt.Errorf("%w: pubsub channels: %v", apperr.ErrTransientBackend, err)
	}
	topics := make([]string, 0, len(chans))
	for _, c := range chans {
		topics = append(topics, strings.TrimPrefix(c, r.ns+":"))
	}
	r.topicCache = topics
	r.topicCachedAt = time.Now()
	return topics, nil
}

// --- generic cache ---

func (r *Registry) cacheKey(name string) string {
	return r.Key("cache", name)
}

// CacheSet stores an msgpack-encoded value under {ns}:cache:{name}.
func (r *Registry) CacheSet(ctx context.Context, name string, value any, ttl time.Duration) error {
	raw, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache %s: %w", name, err)
	}
	if err := r.rdb.Set(ctx, r.cacheKey(name), raw, ttl).Err(); err != nil {
		return fmt.Errorf("%w: cache set %s: %v", apperr.ErrTransientBackend, name, err)
	}
	return nil
}

// CacheGet loads a cached value into dest. It returns apperr.ErrNotFound
// when the key is absent.
func (r *Registry) CacheGet(ctx context.Context, name string, dest any) error {
	raw, err := r.rdb.Get(ctx, r.cacheKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: cache %s", apperr.ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("%w: cache get %s: %v", apperr.ErrTransientBackend, name, err)
	}
	if err := msgpack.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode cache %s: %w", name, err)
	}
	return nil
}

// CacheDelete removes a cached value.
func (r *Registry) CacheDelete(ctx context.Context, name string) error {
	return r.rdb.Del(ctx, r.cacheKey(name)).Err()
}

// --- registry lock ---

func (r *Registry) registryLockKey() string {
	return r.Key("locks", "ingesters")
}

// AcquireRegistryLock takes the cluster-wide registration lock,
// retrying until timeout. The lock auto-expires in case of a crash.
func (r *Registry) AcquireRegistryLock(ctx context.Context) error {
	deadline := time.Now().Add(registryLockTimeout)
	for {
		ok, err := r.rdb.SetNX(ctx, r.registryLockKey(), r.uid, registryLockTTL).Result()
		if err != nil {
			return fmt.Errorf("%w: registry lock: %v", apperr.ErrTransientBackend, err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: registry lock: timed out", apperr.ErrTransientBackend)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registryLockRetry):
		}
	}
}

// ReleaseRegistryLock frees the registration lock if this instance
// holds it.
func (r *Registry) ReleaseRegistryLock(ctx context.Context) error {
	key := r.registryLockKey()
	owner, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: registry unlock: %v", apperr.ErrTransientBackend, err)
	}
	if owner != r.uid {
		return nil
	}
	return r.rdb.Del(ctx, key).Err()
}

// --- ingester registry ---

func (r *Registry) ingesterKey(name string) string {
	return r.Key("ingesters", name)
}

// RegisterIngester publishes an ingester's schema to the shared
// registry, under the cluster registration lock.
func (r *Registry) RegisterIngester(ctx context.Context, ing *model.Ingester, scope model.Scope) error {
	if err := r.AcquireRegistryLock(ctx); err != nil {
		return err
	}
	defer func() {
		if err := r.ReleaseRegistryLock(ctx); err != nil {
			r.logger.Warn("registry unlock failed", "error", err)
		}
	}()

	schema := ing.SchemaMap(scope)
	all, err := r.registeredSchemas(ctx)
	if err != nil {
		return err
	}
	all[ing.Name] = schema

	raw, err := msgpack.Marshal(all)
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	specific, err := msgpack.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode schema %s: %w", ing.Name, err)
	}

	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, r.ingesterKey("all"), raw, snapshotTTL)
	pipe.Set(ctx, r.ingesterKey(ing.Name), specific, snapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: register %s: %v", apperr.ErrTransientBackend, ing.Name, err)
	}
	return nil
}

// UnregisterIngester removes an ingester's schema.
func (r *Registry) UnregisterIngester(ctx context.Context, name string) error {
	all, err := r.registeredSchemas(ctx)
	if err != nil {
		return err
	}
	delete(all, name)
	raw, err := msgpack.Marshal(all)
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, r.ingesterKey("all"), raw, snapshotTTL)
	pipe.Del(ctx, r.ingesterKey(name))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: unregister %s: %v", apperr.ErrTransientBackend, name, err)
	}
	return nil
}

// RegisteredIngester loads one registered schema, nil when absent.
func (r *Registry) RegisteredIngester(ctx context.Context, name string) (map[string]any, error) {
	raw, err := r.rdb.Get(ctx, r.ingesterKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: registered %s: %v", apperr.ErrTransientBackend, name, err)
	}
	var schema map[string]any
	if err := msgpack.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("decode schema %s: %w", name, err)
	}
	return schema, nil
}

// RegisteredIngesters loads every registered schema, keyed by name.
func (r *Registry) RegisteredIngesters(ctx context.Context) (map[string]map[string]any, error) {
	return r.registeredSchemas(ctx)
}

func (r *Registry) registeredSchemas(ctx context.Context) (map[string]map[string]any, error) {
	raw, err := r.rdb.Get(ctx, r.ingesterKey("all")).Bytes()
	if errors.Is(err, redis.Nil) {
		return map[string]map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: registry read: %v", apperr.ErrTransientBackend, err)
	}
	var all map[string]map[string]any
	if err := msgpack.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	if all == nil {
		all = map[string]map[string]any{}
	}
	return all, nil
}

// --- instance heartbeats ---

func (r *Registry) instanceKey(uid string) string {
	return r.Key("instances", uid)
}

// Heartbeat refreshes this instance's presence key.
func (r *Registry) Heartbeat(ctx context.Context, inst *model.Instance, ttl time.Duration) error {
	raw, err := msgpack.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode instance: %w", err)
	}
	if err := r.rdb.Set(ctx, r.instanceKey(inst.UID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("%w: heartbeat: %v", apperr.ErrTransientBackend, err)
	}
	return nil
}

// Instances lists the currently alive cluster members.
func (r *Registry) Instances(ctx context.Context) ([]model.Instance, error) {
	var (
		out    []model.Instance
		cursor uint64
	)
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, r.instanceKey("*"), 100).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: instance scan: %v", apperr.ErrTransientBackend, err)
		}
		for _, key := range keys {
			raw, err := r.rdb.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("%w: instance read: %v", apperr.ErrTransientBackend, err)
			}
			var inst model.Instance
			if err := msgpack.Unmarshal(raw, &inst); err != nil {
				r.logger.Warn("skipping undecodable instance", "key", key, "error", err)
				continue
			}
			out = append(out, inst)
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}
