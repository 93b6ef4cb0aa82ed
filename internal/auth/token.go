// Package auth issues and verifies the signed bearer tokens that identify a
// session. A token only names the session; the live actor state comes from the
// session store and the replicated accounts.
package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"movelog/internal/rbac"
	"movelog/internal/util"
)

const tokenIssuer = "movelog"

type Claims struct {
	Sub  string    `json:"sub"`
	Name string    `json:"name"`
	Role rbac.Role `json:"role"`
	JTI  string    `json:"jti"`
	Iat  int64     `json:"iat"`
	Exp  int64     `json:"exp"`
}

func (c Claims) ExpiresAt() time.Time {
	return time.Unix(c.Exp, 0).UTC()
}

// tokenClaims is the JWT body.
type tokenClaims struct {
	jwt.RegisteredClaims
	Name string    `json:"name"`
	Role rbac.Role `json:"role"`
}

func (c Claims) toJWT() tokenClaims {
	return tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   c.Sub,
			ID:        c.JTI,
			IssuedAt:  jwt.NewNumericDate(time.Unix(c.Iat, 0)),
			ExpiresAt: jwt.NewNumericDate(time.Unix(c.Exp, 0)),
		},
		Name: c.Name,
		Role: c.Role,
	}
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Issuer signs HS256 tokens with a shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a fresh token for actor together with its claims.
func (i *Issuer) Issue(actor rbac.Actor) (string, Claims, error) {
	now := i.now()
	claims := Claims{
		Sub:  actor.ID,
		Name: actor.DisplayName,
		Role: actor.Role,
		JTI:  util.NewID(""),
		Iat:  now.Unix(),
		Exp:  now.Add(i.ttl).Unix(),
	}
	token, err := IssueToken(i.secret, claims)
	if err != nil {
		return "", Claims{}, err
	}
	return token, claims, nil
}

func (i *Issuer) Parse(token string) (Claims, error) {
	return parseToken(i.secret, token, i.now)
}

func IssueToken(secret []byte, claims Claims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims.toJWT()).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	return parseToken(secret, token, time.Now)
}

func parseToken(secret []byte, token string, now func() time.Time) (Claims, error) {
	var body tokenClaims
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &body, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Claims{}, ErrExpiredToken
	}
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if body.Subject == "" || body.ID == "" || body.IssuedAt == nil || !body.Role.Valid() {
		return Claims{}, ErrInvalidToken
	}
	return Claims{
		Sub:  body.Subject,
		Name: body.Name,
		Role: body.Role,
		JTI:  body.ID,
		Iat:  body.IssuedAt.Unix(),
		Exp:  body.ExpiresAt.Unix(),
	}, nil
}

// HashToken is the key a token is stored under.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
