// Package ws fans Redis pub/sub deltas out to subscribed WebSocket
// clients. One hub per process holds all connection state and runs a
// single psubscribe pump; clients join and leave topics over a small
// JSON protocol.
package ws

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/time/rate"

	"graze/internal/logging"
	"graze/internal/model"
	"graze/internal/registry"
)

// Feed delivers published deltas. *registry.Subscription satisfies it.
type Feed interface {
	Deltas() <-chan registry.Delta
	Close() error
}

// SchemaSource resolves registered ingester schemas for subscribe
// authorization. The registry satisfies it.
type SchemaSource interface {
	RegisteredIngester(ctx context.Context, name string) (map[string]any, error)
}

// Config tunes the hub.
type Config struct {
	// MaxClients caps connections per process; excess clients are
	// evicted oldest-first on the sweep cadence.
	MaxClients int `yaml:"max_clients"`
	// MaxLifetime closes connections older than this with code 1001.
	MaxLifetime time.Duration `yaml:"max_lifetime"`
	// AllowedTopics are doublestar globs a topic must match to be
	// subscribable at all.
	AllowedTopics []string `yaml:"allowed_topics"`
	// SubscribeRate and SubscribeBurst throttle subscribe requests per
	// connection. A subscribe costs one token plus one per topic.
	SubscribeRate  rate.Limit `yaml:"subscribe_rate"`
	SubscribeBurst int        `yaml:"subscribe_burst"`
}

const (
	defaultMaxClients  = 1000
	defaultMaxLifetime = 6 * time.Hour
	defaultSubRate     = rate.Limit(2)
	defaultSubBurst    = 20

	evictSweepInterval    = 10 * time.Minute
	lifetimeSweepInterval = 5 * time.Minute

	payloadCacheTTL = time.Second
)

// Keys never forwarded to non-admin subscribers.
var reservedKeys = map[string]struct{}{
	"admin":    {},
	"internal": {},
	"system":   {},
}

// Hub routes deltas to subscribed clients. Connection state lives in
// three maps guarded by mu; payload filtering results are memoized per
// topic for a second to amortize large fan-outs.
type Hub struct {
	cfg     Config
	schemas SchemaSource
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	byTopic map[string]map[*client]struct{}
	topics  map[*client]map[string]struct{}
	users   map[*client]*model.User

	cacheMu      sync.Mutex
	payloadCache map[string]cachedPayload
}

type cachedPayload struct {
	data map[string]any
	at   time.Time
}

func NewHub(cfg Config, schemas SchemaSource, logger *slog.Logger) *Hub {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = defaultMaxClients
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = defaultMaxLifetime
	}
	if len(cfg.AllowedTopics) == 0 {
		cfg.AllowedTopics = []string{"*"}
	}
	if cfg.SubscribeRate <= 0 {
		cfg.SubscribeRate = defaultSubRate
	}
	if cfg.SubscribeBurst <= 0 {
		cfg.SubscribeBurst = defaultSubBurst
	}
	return &Hub{
		cfg:          cfg,
		schemas:      schemas,
		logger:       logging.Default(logger).With("component", "ws"),
		now:          time.Now,
		byTopic:      make(map[string]map[*client]struct{}),
		topics:       make(map[*client]map[string]struct{}),
		users:        make(map[*client]*model.User),
		payloadCache: make(map[string]cachedPayload),
	}
}

// Run consumes the feed until ctx is cancelled, broadcasting each delta
// and running the lifecycle sweeps. It closes all clients on exit.
func (h *Hub) Run(ctx context.Context, feed Feed) {
	defer feed.Close()
	defer h.closeAll()

	evict := time.NewTicker(evictSweepInterval)
	defer evict.Stop()
	lifetime := time.NewTicker(lifetimeSweepInterval)
	defer lifetime.Stop()

	h.logger.Info("fan-out started", "max_clients", h.cfg.MaxClients)
	for {
		select {
		case <-ctx.Done():
			return
		case delta, ok := <-feed.Deltas():
			if !ok {
				return
			}
			h.broadcast(delta)
		case <-evict.C:
			h.sweepExcess()
		case <-lifetime.C:
			h.sweepLifetimes()
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

func (h *Hub) register(c *client, user *model.User) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.topics[c] = make(map[string]struct{})
	h.users[c] = user
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(c *client) {
	for topic := range h.topics[c] {
		subs := h.byTopic[topic]
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.byTopic, topic)
		}
	}
	delete(h.topics, c)
	delete(h.users, c)
}

// allowedTopic reports whether the topic passes the allow-list globs.
func (h *Hub) allowedTopic(topic string) bool {
	for _, pattern := range h.cfg.AllowedTopics {
		if ok, err := doublestar.Match(pattern, topic); err == nil && ok {
			return true
		}
	}
	return false
}

// authorizeTopic applies the per-principal gating: admins pass, others
// are rejected on reserved name prefixes and protected resources.
func (h *Hub) authorizeTopic(ctx context.Context, user *model.User, topic string) bool {
	if !h.allowedTopic(topic) {
		return false
	}
	if user.IsAdmin() {
		return true
	}
	if strings.HasPrefix(topic, "sys.") || strings.HasPrefix(topic, "admin.") {
		return false
	}
	schema, err := h.schemas.RegisteredIngester(ctx, topic)
	if err != nil {
		// Unknown resources are subscribable; deltas arrive once the
		// ingester registers.
		return true
	}
	protected, _ := schema["protected"].(bool)
	return !protected
}

// subscribe joins the client to every authorized topic and returns the
// accepted and denied topic lists.
func (h *Hub) subscribe(ctx context.Context, c *client, topics []string) (accepted, denied []string) {
	for _, topic := range topics {
		h.mu.RLock()
		user := h.users[c]
		h.mu.RUnlock()
		if user == nil || !h.authorizeTopic(ctx, user, topic) {
			denied = append(denied, topic)
			continue
		}
		h.mu.Lock()
		if _, ok := h.topics[c]; ok {
			subs := h.byTopic[topic]
			if subs == nil {
				subs = make(map[*client]struct{})
				h.byTopic[topic] = subs
			}
			subs[c] = struct{}{}
			h.topics[c][topic] = struct{}{}
			accepted = append(accepted, topic)
		}
		h.mu.Unlock()
	}
	return accepted, denied
}

func (h *Hub) unsubscribe(c *client, topics []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := make([]string, 0, len(topics))
	for _, topic := range topics {
		if _, ok := h.topics[c][topic]; !ok {
			continue
		}
		delete(h.topics[c], topic)
		subs := h.byTopic[topic]
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.byTopic, topic)
		}
		removed = append(removed, topic)
	}
	return removed
}

// broadcast delivers one delta to every subscriber of its topic. Sends
// run concurrently; clients whose write fails are removed in one pass.
func (h *Hub) broadcast(delta registry.Delta) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.byTopic[delta.Topic]))
	admins := make([]bool, 0, len(h.byTopic[delta.Topic]))
	for c := range h.byTopic[delta.Topic] {
		user := h.users[c]
		if user == nil {
			continue
		}
		targets = append(targets, c)
		admins = append(admins, user.IsAdmin())
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	ts := h.now().UTC().Format(time.RFC3339)
	var (
		wg       sync.WaitGroup
		failedMu sync.Mutex
		failed   []*client
	)
	for i, c := range targets {
		payload := h.filteredPayload(delta.Topic, admins[i], delta.Data)
		wg.Add(1)
		go func(c *client, data map[string]any) {
			defer wg.Done()
			err := c.send(serverMessage{
				Type:      frameData,
				Topic:     delta.Topic,
				Data:      data,
				Timestamp: ts,
			})
			if err != nil {
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
		}(c, payload)
	}
	wg.Wait()

	if len(failed) > 0 {
		h.mu.Lock()
		for _, c := range failed {
			h.removeLocked(c)
		}
		h.mu.Unlock()
		for _, c := range failed {
			c.close()
		}
		h.logger.Debug("dropped unwritable clients", "count", len(failed), "topic", delta.Topic)
	}
}

// filteredPayload returns the audience view of a delta, memoized per
// topic for payloadCacheTTL.
func (h *Hub) filteredPayload(topic string, admin bool, data map[string]any) map[string]any {
	if admin {
		return data
	}

	key := topic + ":public"
	now := h.now()
	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()
	if entry, ok := h.payloadCache[key]; ok && now.Sub(entry.at) < payloadCacheTTL {
		return entry.data
	}

	filtered := make(map[string]any, len(data))
	for k, v := range data {
		if strings.HasPrefix(k, "_") || strings.HasSuffix(k, "_protected") {
			continue
		}
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		filtered[k] = v
	}
	h.payloadCache[key] = cachedPayload{data: filtered, at: now}
	return filtered
}

// sweepExcess evicts the oldest clients above MaxClients.
func (h *Hub) sweepExcess() {
	h.mu.Lock()
	excess := len(h.topics) - h.cfg.MaxClients
	if excess <= 0 {
		h.mu.Unlock()
		return
	}
	victims := make([]*client, 0, excess)
	for c := range h.topics {
		victims = append(victims, c)
	}
	// Oldest first.
	for i := 0; i < len(victims); i++ {
		for j := i + 1; j < len(victims); j++ {
			if victims[j].connectedAt.Before(victims[i].connectedAt) {
				victims[i], victims[j] = victims[j], victims[i]
			}
		}
	}
	victims = victims[:excess]
	for _, c := range victims {
		h.removeLocked(c)
	}
	h.mu.Unlock()

	for _, c := range victims {
		c.disconnect("server at capacity")
	}
	h.logger.Info("evicted excess clients", "count", len(victims))
}

// sweepLifetimes closes clients past MaxLifetime with code 1001.
func (h *Hub) sweepLifetimes() {
	cutoff := h.now().Add(-h.cfg.MaxLifetime)

	h.mu.Lock()
	var expired []*client
	for c := range h.topics {
		if c.connectedAt.Before(cutoff) {
			expired = append(expired, c)
		}
	}
	for _, c := range expired {
		h.removeLocked(c)
	}
	h.mu.Unlock()

	for _, c := range expired {
		c.disconnect("max connection lifetime exceeded")
	}
	if len(expired) > 0 {
		h.logger.Info("closed over-lifetime clients", "count", len(expired))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.topics))
	for c := range h.topics {
		clients = append(clients, c)
	}
	h.byTopic = make(map[string]map[*client]struct{})
	h.topics = make(map[*client]map[string]struct{})
	h.users = make(map[*client]*model.User)
	h.mu.Unlock()

	for _, c := range clients {
		c.disconnect("server shutting down")
	}
}
