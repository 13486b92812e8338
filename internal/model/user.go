package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// LimitCaps holds the nine per-user caps: requests, bytes and points
// across minute/hour/day windows. A zero cap disables that metric.
type LimitCaps struct {
	RPM int64 `msgpack:"rpm" json:"rpm"`
	RPH int64 `msgpack:"rph" json:"rph"`
	RPD int64 `msgpack:"rpd" json:"rpd"`
	SPM int64 `msgpack:"spm" json:"spm"`
	SPH int64 `msgpack:"sph" json:"sph"`
	SPD int64 `msgpack:"spd" json:"spd"`
	PPM int64 `msgpack:"ppm" json:"ppm"`
	PPH int64 `msgpack:"pph" json:"pph"`
	PPD int64 `msgpack:"ppd" json:"ppd"`
}

// ByMetric returns the caps keyed by metric name.
func (c LimitCaps) ByMetric() map[string]int64 {
	return map[string]int64{
		"rpm": c.RPM, "rph": c.RPH, "rpd": c.RPD,
		"spm": c.SPM, "sph": c.SPH, "spd": c.SPD,
		"ppm": c.PPM, "pph": c.PPH, "ppd": c.PPD,
	}
}

// User is a principal identified by a 16-hex-digit UID derived from either
// a stable wallet identity or a hash of the client IP. Users are persisted
// through the sys.users update ingester.
type User struct {
	UID     string     `msgpack:"uid" json:"uid"`
	Status  UserStatus `msgpack:"status" json:"status"`
	Caps    LimitCaps  `msgpack:"caps" json:"caps"`
	Address string     `msgpack:"address,omitempty" json:"address,omitempty"`

	TotalRequests int64 `msgpack:"total_requests" json:"total_requests"`
	TotalBytes    int64 `msgpack:"total_bytes" json:"total_bytes"`
	TotalPoints   int64 `msgpack:"total_points" json:"total_points"`

	SessionToken  string    `msgpack:"session_token,omitempty" json:"-"`
	SessionExpiry time.Time `msgpack:"session_expiry,omitempty" json:"-"`

	CreatedAt time.Time `msgpack:"created_at" json:"created_at"`
	UpdatedAt time.Time `msgpack:"updated_at" json:"updated_at"`
}

// DefaultPublicCaps are the caps applied to anonymous and public users
// when no per-user configuration exists.
var DefaultPublicCaps = LimitCaps{
	RPM: 60, RPH: 1200, RPD: 9600,
	SPM: 1 << 22, SPH: 1 << 25, SPD: 1 << 28, // 4MB / 32MB / 256MB
	PPM: 600, PPH: 12000, PPD: 96000,
}

// UIDFromIdentity derives the 16-hex-digit user UID from a stable identity
// string (a wallet address, or a client IP for anonymous principals).
func UIDFromIdentity(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:8])
}

// NewAnonymousUser builds an anonymous principal from a client IP.
func NewAnonymousUser(ip string, now time.Time) *User {
	return &User{
		UID:       UIDFromIdentity(ip),
		Status:    StatusAnonymous,
		Caps:      DefaultPublicCaps,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

// IsAdmin reports whether the user bypasses protection gates and limits.
func (u *User) IsAdmin() bool { return u != nil && u.Status == StatusAdmin }
