package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"graze/internal/apperr"
	"graze/internal/logging"
	"graze/internal/model"
)

// SignatureVerifier checks a wallet signature over a challenge message.
// Chain-specific implementations (EVM, Solana, Sui) plug in here.
type SignatureVerifier interface {
	VerifySignature(address, message, signature string) error
}

// UserStore persists principals. Missing users return
// apperr.ErrNotFound.
type UserStore interface {
	GetUser(ctx context.Context, uid string) (*model.User, error)
	SaveUser(ctx context.Context, user *model.User) error
}

// ChallengeStore holds pending challenges with a TTL. The Redis
// registry satisfies it.
type ChallengeStore interface {
	CacheSet(ctx context.Context, name string, value any, ttl time.Duration) error
	CacheGet(ctx context.Context, name string, dest any) error
	CacheDelete(ctx context.Context, name string) error
}

// Challenge is a single-use login nonce the client must sign.
type Challenge struct {
	ID        string    `msgpack:"id" json:"challenge_id"`
	Method    string    `msgpack:"method" json:"auth_method"`
	Address   string    `msgpack:"address" json:"address,omitempty"`
	ClientUID string    `msgpack:"client_uid" json:"client_uid"`
	Message   string    `msgpack:"message" json:"message"`
	ExpiresAt time.Time `msgpack:"expires_at" json:"expires_at"`
}

// Credentials carries the client's answer to a challenge.
type Credentials struct {
	Token     string `json:"token,omitempty"`
	Address   string `json:"address,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Config tunes the auth service.
type Config struct {
	// Secret signs session JWTs.
	Secret string `yaml:"secret"`
	// StaticTokenHash is the argon2id PHC hash of the static admin
	// token; empty disables static login.
	StaticTokenHash string        `yaml:"static_token_hash"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
	ChallengeTTL    time.Duration `yaml:"challenge_ttl"`
}

const (
	defaultTokenTTL     = 24 * time.Hour
	defaultChallengeTTL = 5 * time.Minute

	staticAdminIdentity = "static_admin"
	methodStatic        = "static"
)

// Service implements the challenge login flow and request principal
// resolution.
type Service struct {
	tokens       *TokenService
	users        UserStore
	challenges   ChallengeStore
	verifiers    map[string]SignatureVerifier
	staticHash   string
	challengeTTL time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

func NewService(cfg Config, users UserStore, challenges ChallengeStore, verifiers map[string]SignatureVerifier, logger *slog.Logger) *Service {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.ChallengeTTL == 0 {
		cfg.ChallengeTTL = defaultChallengeTTL
	}
	return &Service{
		tokens:       NewTokenService([]byte(cfg.Secret), cfg.TokenTTL),
		users:        users,
		challenges:   challenges,
		verifiers:    verifiers,
		staticHash:   cfg.StaticTokenHash,
		challengeTTL: cfg.ChallengeTTL,
		logger:       logging.Default(logger),
		now:          time.Now,
	}
}

func challengeCacheName(id string) string { return "challenge:" + id }

// CreateChallenge opens a login flow for the given method. Wallet
// methods need a registered verifier.
func (s *Service) CreateChallenge(ctx context.Context, method, clientUID, address string) (*Challenge, error) {
	if method != methodStatic {
		if _, ok := s.verifiers[method]; !ok {
			return nil, fmt.Errorf("%w: auth method %q not enabled", apperr.ErrUser, method)
		}
	} else if s.staticHash == "" {
		return nil, fmt.Errorf("%w: static login not enabled", apperr.ErrUser)
	}

	now := s.now().UTC()
	ch := &Challenge{
		ID:        uuid.NewString(),
		Method:    method,
		Address:   address,
		ClientUID: clientUID,
		ExpiresAt: now.Add(s.challengeTTL),
	}
	ch.Message = fmt.Sprintf(
		"Please sign this message to authenticate.\n\nChallenge ID: %s\nAddress: %s\nExpires: %s",
		ch.ID, address, ch.ExpiresAt.Format(time.RFC3339))

	if err := s.challenges.CacheSet(ctx, challengeCacheName(ch.ID), ch, s.challengeTTL); err != nil {
		return nil, err
	}
	s.logger.Info("created auth challenge", "method", method, "client", clientUID)
	return ch, nil
}

// Authenticate answers a challenge and, on success, returns the user
// and a fresh session token. Challenges are single-use.
func (s *Service) Authenticate(ctx context.Context, challengeID string, creds Credentials) (*model.User, string, error) {
	var ch Challenge
	if err := s.challenges.CacheGet(ctx, challengeCacheName(challengeID), &ch); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, "", fmt.Errorf("%w: invalid or expired challenge", apperr.ErrAuth)
		}
		return nil, "", err
	}
	if s.now().After(ch.ExpiresAt) {
		return nil, "", fmt.Errorf("%w: challenge expired", apperr.ErrAuth)
	}
	// Single use, pass or fail.
	defer func() {
		if err := s.challenges.CacheDelete(ctx, challengeCacheName(challengeID)); err != nil {
			s.logger.Warn("challenge cleanup failed", "id", challengeID, "error", err)
		}
	}()

	var (
		identity string
		status   model.UserStatus
		address  string
	)
	switch ch.Method {
	case methodStatic:
		ok, err := VerifySecret(creds.Token, s.staticHash)
		if err != nil || !ok {
			return nil, "", fmt.Errorf("%w: invalid static token", apperr.ErrAuth)
		}
		identity = staticAdminIdentity
		status = model.StatusAdmin

	default:
		verifier, ok := s.verifiers[ch.Method]
		if !ok {
			return nil, "", fmt.Errorf("%w: auth method %q not enabled", apperr.ErrAuth, ch.Method)
		}
		if creds.Address == "" || creds.Signature == "" {
			return nil, "", fmt.Errorf("%w: address and signature required", apperr.ErrAuth)
		}
		if ch.Address != "" && ch.Address != creds.Address {
			return nil, "", fmt.Errorf("%w: address mismatch", apperr.ErrAuth)
		}
		if err := verifier.VerifySignature(creds.Address, ch.Message, creds.Signature); err != nil {
			return nil, "", fmt.Errorf("%w: signature rejected: %v", apperr.ErrAuth, err)
		}
		identity = creds.Address
		status = model.StatusPublic
		address = creds.Address
	}

	user, err := s.getOrCreateUser(ctx, model.UIDFromIdentity(identity), status, address)
	if err != nil {
		return nil, "", err
	}
	if user.Status == model.StatusBanned {
		return nil, "", fmt.Errorf("%w: account banned", apperr.ErrForbidden)
	}

	token, expiry, err := s.tokens.Issue(user.UID, string(user.Status))
	if err != nil {
		return nil, "", err
	}
	user.SessionToken = token
	user.SessionExpiry = expiry
	user.UpdatedAt = s.now().UTC()
	if err := s.users.SaveUser(ctx, user); err != nil {
		return nil, "", err
	}
	s.logger.Info("authenticated user", "uid", user.UID, "method", ch.Method)
	return user, token, nil
}

// Principal resolves the requesting user: a valid bearer token wins,
// otherwise the client IP hashes to an anonymous principal.
func (s *Service) Principal(ctx context.Context, bearer, ip string) *model.User {
	if bearer != "" {
		if claims, err := s.tokens.Verify(bearer); err == nil {
			user, err := s.getOrCreateUser(ctx, claims.UID(), model.UserStatus(claims.Status), "")
			if err == nil && user.Status != model.StatusBanned {
				return user
			}
		} else {
			s.logger.Debug("bearer token rejected", "error", err)
		}
	}

	uid := model.UIDFromIdentity(ip)
	user, err := s.getOrCreateUser(ctx, uid, model.StatusAnonymous, "")
	if err != nil {
		s.logger.Warn("principal fallback", "error", err)
		return model.NewAnonymousUser(ip, s.now())
	}
	return user
}

// VerifySession checks a uid/token pair against the stored session and
// renews the expiry window.
func (s *Service) VerifySession(ctx context.Context, uid, token string) (*model.User, error) {
	user, err := s.users.GetUser(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown session", apperr.ErrAuth)
	}
	if user.SessionToken != token {
		return nil, fmt.Errorf("%w: invalid session token", apperr.ErrAuth)
	}
	if !user.SessionExpiry.IsZero() && s.now().After(user.SessionExpiry) {
		return nil, fmt.Errorf("%w: session expired", apperr.ErrAuth)
	}

	user.SessionExpiry = s.now().UTC().Add(defaultTokenTTL)
	user.UpdatedAt = s.now().UTC()
	if err := s.users.SaveUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Service) getOrCreateUser(ctx context.Context, uid string, status model.UserStatus, address string) (*model.User, error) {
	user, err := s.users.GetUser(ctx, uid)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	user = &model.User{
		UID:       uid,
		Status:    status,
		Caps:      model.DefaultPublicCaps,
		Address:   address,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.users.SaveUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}
