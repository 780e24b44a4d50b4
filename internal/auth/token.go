// Package auth issues and verifies JWT access and refresh tokens and carries
// the caller's identity through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/daoistvideo/platform/internal/cache"
	"github.com/daoistvideo/platform/internal/domain/users"
)

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrTokenRevoked = errors.New("token has been revoked")
)

// TokenType distinguishes access from refresh tokens.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"

	blacklistPrefix = "jwt_blacklist:"
)

// Claims are the JWT claims issued for a user.
type Claims struct {
	UserID    string     `json:"user_id"`
	Username  string     `json:"username"`
	Role      users.Role `json:"role"`
	TokenType TokenType  `json:"token_type"`
	jwt.RegisteredClaims
}

// Identity returns the caller identity carried by the claims.
func (c Claims) Identity() Identity {
	return Identity{UserID: c.UserID, Username: c.Username, Role: c.Role}
}

// TokenPair is an access token with its refresh token.
type TokenPair struct {
	Access           string
	Refresh          string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Issuer signs tokens with HS256. Revoked refresh tokens are remembered in
// the cache by jti until they would have expired anyway.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	blacklist  cache.Cache
	now        func() time.Time
}

// NewIssuer builds an Issuer.
func NewIssuer(secret string, accessTTL, refreshTTL time.Duration, blacklist cache.Cache) *Issuer {
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &Issuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		blacklist:  blacklist,
		now:        time.Now,
	}
}

// WithClock replaces the issuer's clock.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// IssuePair signs a fresh access and refresh token for user.
func (i *Issuer) IssuePair(user users.User) (TokenPair, error) {
	return i.issue(Identity{UserID: user.ID, Username: user.Username, Role: user.Role})
}

func (i *Issuer) issue(id Identity) (TokenPair, error) {
	now := i.now()
	access, accessExp, err := i.sign(id, TokenAccess, now, i.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := i.sign(id, TokenRefresh, now, i.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		Access:           access,
		Refresh:          refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (i *Issuer) sign(id Identity, typ TokenType, now time.Time, ttl time.Duration) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := Claims{
		UserID:    id.UserID,
		Username:  id.Username,
		Role:      id.Role,
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, exp, nil
}

func (i *Issuer) parse(raw string, want TokenType) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.TokenType != want {
		return Claims{}, fmt.Errorf("%w: expected %s token", ErrInvalidToken, want)
	}
	return claims, nil
}

// ParseAccess verifies an access token.
func (i *Issuer) ParseAccess(raw string) (Claims, error) {
	return i.parse(raw, TokenAccess)
}

// Refresh exchanges a refresh token for a new pair and revokes the old one.
// Of concurrent refreshes with the same token only one succeeds.
func (i *Issuer) Refresh(ctx context.Context, raw string) (TokenPair, error) {
	claims, err := i.parseRefresh(ctx, raw)
	if err != nil {
		return TokenPair{}, err
	}
	first, err := i.revoke(ctx, claims)
	if err != nil {
		return TokenPair{}, err
	}
	if !first {
		return TokenPair{}, ErrTokenRevoked
	}
	return i.issue(claims.Identity())
}

// Revoke blacklists a refresh token.
func (i *Issuer) Revoke(ctx context.Context, raw string) error {
	claims, err := i.parseRefresh(ctx, raw)
	if err != nil {
		return err
	}
	_, err = i.revoke(ctx, claims)
	return err
}

func (i *Issuer) parseRefresh(ctx context.Context, raw string) (Claims, error) {
	claims, err := i.parse(raw, TokenRefresh)
	if err != nil {
		return Claims{}, err
	}
	if i.blacklist == nil {
		return claims, nil
	}
	_, err = i.blacklist.Get(ctx, blacklistPrefix+claims.ID)
	switch {
	case err == nil:
		return Claims{}, ErrTokenRevoked
	case errors.Is(err, cache.ErrMiss):
		return claims, nil
	default:
		return Claims{}, fmt.Errorf("check token blacklist: %w", err)
	}
}

// revoke blacklists the token's jti and reports whether this call was the
// one that did so.
func (i *Issuer) revoke(ctx context.Context, claims Claims) (bool, error) {
	if i.blacklist == nil {
		return true, nil
	}
	ttl := claims.ExpiresAt.Time.Sub(i.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	n, err := i.blacklist.Increment(ctx, blacklistPrefix+claims.ID, 1, ttl)
	if err != nil {
		return false, fmt.Errorf("blacklist token: %w", err)
	}
	return n == 1, nil
}
