package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"movelog/internal/rbac"
)

var member = rbac.Actor{ID: "acc_1", DisplayName: "User One", Role: rbac.RoleMember, Active: true}

func TestIssueAndParse(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)
	token, issued, err := issuer.Issue(member)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	claims, err := issuer.Parse(token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims != issued {
		t.Fatalf("claims = %+v, want %+v", claims, issued)
	}
	if claims.Sub != "acc_1" || claims.Name != "User One" || claims.Role != rbac.RoleMember {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if got := claims.ExpiresAt().Sub(time.Unix(claims.Iat, 0)); got != time.Hour {
		t.Fatalf("lifetime = %v, want 1h", got)
	}
}

func TestIssueUsesFreshJTI(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)
	_, a, _ := issuer.Issue(member)
	_, b, _ := issuer.Issue(member)
	if a.JTI == b.JTI {
		t.Fatal("expected distinct token ids")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return now }

	token, _, err := issuer.Issue(member)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	now = now.Add(time.Hour)
	if _, err := issuer.Parse(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseRejectsTampering(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)
	token, _, err := issuer.Issue(member)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		t.Fatalf("expected a three-part token, got %q", token)
	}
	valid := Claims{Sub: "acc_1", Role: rbac.RoleMember, JTI: "j", Iat: time.Now().Unix(), Exp: time.Now().Add(time.Hour).Unix()}

	tests := map[string]string{
		"empty":         "",
		"header only":   segments[0],
		"bad signature": segments[0] + "." + segments[1] + ".AAAA",
		"extra segment": token + ".x",
		"other secret":  mustIssue(t, []byte("other"), valid),
		"unsigned":      segments[0] + "." + segments[1] + ".",
		"garbage":       "%%%." + segments[1] + "." + segments[2],
	}
	for name, value := range tests {
		if _, err := issuer.Parse(value); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestParseRejectsUnknownRole(t *testing.T) {
	secret := []byte("secret")
	token := mustIssue(t, secret, Claims{Sub: "acc_1", Role: "owner", JTI: "j", Iat: time.Now().Unix(), Exp: time.Now().Add(time.Hour).Unix()})
	if _, err := ParseToken(secret, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestHashTokenIsStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Fatal("hash must be deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Fatal("different tokens must not collide")
	}
	if len(HashToken("abc")) != 64 {
		t.Fatalf("unexpected hash length %d", len(HashToken("abc")))
	}
}

func mustIssue(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}
