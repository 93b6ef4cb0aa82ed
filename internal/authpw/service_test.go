package authpw

import (
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"movelog/internal/store"
)

type directory map[string]store.Account

func (d directory) lookup(loginName string) (store.Account, bool) {
	for _, a := range d {
		if strings.EqualFold(a.LoginName, strings.TrimSpace(loginName)) {
			return a, true
		}
	}
	return store.Account{}, false
}

func newTestService(t *testing.T, accounts directory) *Service {
	t.Helper()
	return NewServiceWithCost(accounts.lookup, bcrypt.MinCost)
}

func seeded(t *testing.T) (*Service, directory) {
	t.Helper()
	dir := directory{}
	svc := newTestService(t, dir)
	n := 0
	accounts, err := svc.BootstrapAccounts("1234", time.Now(), func() string {
		n++
		return "acc_" + string(rune('0'+n))
	})
	if err != nil {
		t.Fatalf("BootstrapAccounts() error = %v", err)
	}
	for _, a := range accounts {
		dir[a.ID] = a
	}
	return svc, dir
}

func TestBootstrapAccounts(t *testing.T) {
	_, dir := seeded(t)
	if len(dir) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(dir))
	}
	admin, ok := dir.lookup("admin")
	if !ok || admin.Role != "admin" || !admin.MustChangeCredential || !admin.Active {
		t.Fatalf("unexpected admin %+v", admin)
	}
	member, ok := dir.lookup("user1")
	if !ok || member.Role != "member" || member.MustChangeCredential || member.DisplayName != "User One" {
		t.Fatalf("unexpected member %+v", member)
	}
	if admin.CredentialHash == "1234" || admin.CredentialHash == "" {
		t.Fatal("credential must be stored hashed")
	}
}

func TestSignIn(t *testing.T) {
	svc, _ := seeded(t)

	account, err := svc.SignIn(" Admin ", "1234")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if account.LoginName != "admin" {
		t.Fatalf("signed in as %q", account.LoginName)
	}

	tests := []struct{ login, secret string }{
		{"admin", "wrong"},
		{"nobody", "1234"},
		{"", "1234"},
		{"admin", ""},
	}
	for _, tt := range tests {
		if _, err := svc.SignIn(tt.login, tt.secret); !errors.Is(err, ErrInvalidCredential) {
			t.Errorf("SignIn(%q, %q) error = %v, want ErrInvalidCredential", tt.login, tt.secret, err)
		}
	}
}

func TestSignInAllowsSuspendedAccounts(t *testing.T) {
	svc, dir := seeded(t)
	member, _ := dir.lookup("user1")
	member.Active = false
	dir[member.ID] = member

	account, err := svc.SignIn("user1", "1234")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if account.Active {
		t.Fatal("expected the suspended flag to be preserved")
	}
}

func TestChangeCredential(t *testing.T) {
	svc, dir := seeded(t)
	admin, _ := dir.lookup("admin")

	updated, err := svc.ChangeCredential(admin, "1234", "s3cret")
	if err != nil {
		t.Fatalf("ChangeCredential() error = %v", err)
	}
	if updated.MustChangeCredential {
		t.Fatal("forced change flag must be cleared")
	}
	if err := Verify(updated.CredentialHash, "s3cret"); err != nil {
		t.Fatalf("new credential does not verify: %v", err)
	}
	if err := Verify(updated.CredentialHash, "1234"); err == nil {
		t.Fatal("old credential still verifies")
	}
}

func TestChangeCredentialFailures(t *testing.T) {
	svc, dir := seeded(t)
	admin, _ := dir.lookup("admin")

	tests := []struct {
		name    string
		current string
		next    string
		want    error
	}{
		{"wrong current", "nope", "s3cret", ErrInvalidCredential},
		{"blank next", "1234", "   ", ErrEmptyCredential},
		{"same as current", "1234", "1234", ErrCredentialReused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.ChangeCredential(admin, tt.current, tt.next); !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}
