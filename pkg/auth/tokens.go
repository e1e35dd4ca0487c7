package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/canopyworks/canopy/pkg/apierror"
)

// TokenKind distinguishes the two token types. Access tokens carry the
// permission snapshot; refresh tokens only prove session continuity.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// Claims is the JWT payload for both token kinds.
type Claims struct {
	Username    string    `json:"username"`
	Roles       []string  `json:"roles,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	Kind        TokenKind `json:"kind"`
	jwt.RegisteredClaims
}

// TokenManager signs and validates HS256 session tokens.
type TokenManager struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenManager creates a token manager. The secret must be kept
// stable across restarts or every session dies with the process.
func NewTokenManager(secret []byte, issuer string, accessTTL, refreshTTL time.Duration) *TokenManager {
	return &TokenManager{
		secret:     secret,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// TokenPair is the result of a login or a refresh rotation.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// TokenSubject is what the manager needs to know about the principal a
// token is minted for.
type TokenSubject struct {
	UserID      int64
	Username    string
	Roles       []string
	Permissions []string
}

// Issue mints a fresh access/refresh pair for the subject. Both tokens
// carry the role and permission snapshot; rotation still re-resolves
// them from the database so revocations take effect.
func (m *TokenManager) Issue(sub TokenSubject) (*TokenPair, *Claims, error) {
	now := m.now().UTC()
	accessExp := now.Add(m.accessTTL)
	refreshExp := now.Add(m.refreshTTL)

	access, err := m.sign(Claims{
		Username:    sub.Username,
		Roles:       sub.Roles,
		Permissions: sub.Permissions,
		Kind:        KindAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   fmt.Sprintf("%d", sub.UserID),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
		},
	})
	if err != nil {
		return nil, nil, err
	}

	refreshClaims := Claims{
		Username:    sub.Username,
		Roles:       sub.Roles,
		Permissions: sub.Permissions,
		Kind:        KindRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   fmt.Sprintf("%d", sub.UserID),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
		},
	}
	refresh, err := m.sign(refreshClaims)
	if err != nil {
		return nil, nil, err
	}

	pair := &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}
	return pair, &refreshClaims, nil
}

func (m *TokenManager) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse validates signature, expiry, and kind, and returns the claims.
func (m *TokenManager) Parse(raw string, kind TokenKind) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
	)
	if err != nil || !token.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apierror.Unauthenticated("TOKEN_EXPIRED", "Token has expired.")
		}
		return nil, apierror.Unauthenticated("INVALID_TOKEN", "Token is invalid.")
	}
	if claims.Kind != kind {
		return nil, apierror.Unauthenticated("INVALID_TOKEN", "Wrong token type for this operation.")
	}
	return &claims, nil
}

// UserID extracts the numeric subject.
func (c *Claims) UserID() (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(c.Subject, "%d", &id); err != nil {
		return 0, fmt.Errorf("parse token subject %q: %w", c.Subject, err)
	}
	return id, nil
}
