// Package credentials mints and redeems the opaque login and join tokens
// of the two-phase handshake. Tokens are single-use and short-lived.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"opencollab/internal/model"
)

var ErrInvalidToken = errors.New("invalid, expired or consumed token")

const (
	DefaultLoginTTL = 10 * time.Minute
	DefaultJoinTTL  = 5 * time.Minute

	tokenBytes  = 16
	loginPrefix = "login:"
	joinPrefix  = "join:"
)

type (
	// Store keeps token claims for their lifetime. Take must remove the
	// entry so every token is single-use.
	Store interface {
		Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
		Take(ctx context.Context, key string) ([]byte, error)
	}

	Manager struct {
		store    Store
		loginTTL time.Duration
		joinTTL  time.Duration
		now      func() time.Time
	}

	Option func(*Manager)
)

func WithTTLs(login, join time.Duration) Option {
	return func(m *Manager) {
		m.loginTTL = login
		m.joinTTL = join
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		loginTTL: DefaultLoginTTL,
		joinTTL:  DefaultJoinTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) MintLoginToken(ctx context.Context, userID string) (string, error) {
	claims := model.LoginClaims{
		UserID:    userID,
		ExpiresAt: m.now().Add(m.loginTTL),
	}
	return m.mint(ctx, loginPrefix, claims, m.loginTTL)
}

func (m *Manager) RedeemLogin(ctx context.Context, token string) (*model.LoginClaims, error) {
	var claims model.LoginClaims
	if err := m.redeem(ctx, loginPrefix+token, &claims); err != nil {
		return nil, err
	}
	// Stores expire lazily; re-check so a sweep race cannot revive a token.
	if m.now().After(claims.ExpiresAt) {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

func (m *Manager) MintJoinToken(ctx context.Context, userID, roomID string, host, readonly bool) (string, error) {
	claims := model.JoinClaims{
		UserID:    userID,
		RoomID:    roomID,
		Host:      host,
		Readonly:  readonly,
		ExpiresAt: m.now().Add(m.joinTTL),
	}
	return m.mint(ctx, joinPrefix, claims, m.joinTTL)
}

func (m *Manager) RedeemJoin(ctx context.Context, token string) (*model.JoinClaims, error) {
	var claims model.JoinClaims
	if err := m.redeem(ctx, joinPrefix+token, &claims); err != nil {
		return nil, err
	}
	if m.now().After(claims.ExpiresAt) {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

func (m *Manager) mint(ctx context.Context, prefix string, claims any, ttl time.Duration) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	value, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	if err := m.store.Put(ctx, prefix+token, value, ttl); err != nil {
		return "", fmt.Errorf("storing token: %w", err)
	}
	return token, nil
}

func (m *Manager) redeem(ctx context.Context, key string, claims any) error {
	value, err := m.store.Take(ctx, key)
	if err != nil {
		return ErrInvalidToken
	}
	if err := json.Unmarshal(value, claims); err != nil {
		return ErrInvalidToken
	}
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
