package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"graze/internal/model"
	"graze/internal/store"
)

// UsersTable is the internal update ingester backing principal storage.
const UsersTable = "sys.users"

// usersIngester describes the sys.users table. It is never scheduled;
// writes happen synchronously through the UserStore.
func usersIngester() *model.Ingester {
	ing := &model.Ingester{
		Name:         UsersTable,
		ResourceType: model.ResourceUpdate,
		IngesterType: model.TypeProcessor,
		Interval:     "h1",
		Protected:    true,
		Fields: []model.Field{
			{Name: "status", Type: model.TypeString},
			{Name: "address", Type: model.TypeString},
			{Name: "caps", Type: model.TypeString},
			{Name: "total_requests", Type: model.TypeInt64},
			{Name: "total_bytes", Type: model.TypeInt64},
			{Name: "total_points", Type: model.TypeInt64},
			{Name: "session_token", Type: model.TypeString},
			{Name: "session_expiry", Type: model.TypeTimestamp},
			{Name: "created_at", Type: model.TypeTimestamp},
			{Name: "updated_at", Type: model.TypeTimestamp},
		},
	}
	ing.ApplyDefaults()
	return ing
}

// UserStore persists principals through the update-ingester contract:
// one uid-keyed row per user in sys.users. It satisfies auth.UserStore.
type UserStore struct {
	db store.Adapter

	// mu serializes writes: Upsert reads the shared ingester's field
	// values, so two SaveUser calls must not interleave.
	mu  sync.Mutex
	ing *model.Ingester
}

func NewUserStore(db store.Adapter) *UserStore {
	return &UserStore{db: db, ing: usersIngester()}
}

// Prepare creates the backing table. Idempotent.
func (s *UserStore) Prepare(ctx context.Context) error {
	return s.db.CreateTable(ctx, s.ing, "")
}

// GetUser loads one principal. Missing users surface apperr.ErrNotFound
// from the adapter.
func (s *UserStore) GetUser(ctx context.Context, uid string) (*model.User, error) {
	rec, err := s.db.FetchByID(ctx, UsersTable, uid)
	if err != nil {
		return nil, err
	}
	return userFromRecord(rec)
}

// SaveUser writes one principal with an idempotent upsert.
func (s *UserStore) SaveUser(ctx context.Context, user *model.User) error {
	caps, err := json.Marshal(user.Caps)
	if err != nil {
		return fmt.Errorf("encode caps: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	set := func(name string, v any) { s.ing.FieldByName(name).Value = v }
	set(model.UIDField, user.UID)
	set("status", string(user.Status))
	set("address", user.Address)
	set("caps", string(caps))
	set("total_requests", user.TotalRequests)
	set("total_bytes", user.TotalBytes)
	set("total_points", user.TotalPoints)
	set("session_token", user.SessionToken)
	set("session_expiry", timeOrNil(user.SessionExpiry))
	set("created_at", timeOrNil(user.CreatedAt))
	set("updated_at", timeOrNil(user.UpdatedAt))
	return s.db.Upsert(ctx, s.ing, "")
}

func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func userFromRecord(rec store.Record) (*model.User, error) {
	uid, _ := rec[model.UIDField].(string)
	if uid == "" {
		return nil, fmt.Errorf("user record without uid")
	}
	u := &model.User{
		UID:           uid,
		Status:        model.UserStatus(asString(rec["status"])),
		Address:       asString(rec["address"]),
		TotalRequests: asInt64(rec["total_requests"]),
		TotalBytes:    asInt64(rec["total_bytes"]),
		TotalPoints:   asInt64(rec["total_points"]),
		SessionToken:  asString(rec["session_token"]),
		SessionExpiry: asTime(rec["session_expiry"]),
		CreatedAt:     asTime(rec["created_at"]),
		UpdatedAt:     asTime(rec["updated_at"]),
	}
	if raw := asString(rec["caps"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &u.Caps); err != nil {
			return nil, fmt.Errorf("decode caps for %s: %w", uid, err)
		}
	}
	return u, nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return ""
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

// asTime accepts the adapters' timestamp representations: native
// time.Time or epoch milliseconds.
func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case int64:
		return time.UnixMilli(t).UTC()
	case float64:
		return time.UnixMilli(int64(t)).UTC()
	}
	return time.Time{}
}
