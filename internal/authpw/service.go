// Package authpw verifies login credentials and manages credential changes.
// Credentials are stored only as bcrypt hashes.
package authpw

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"movelog/internal/rbac"
	"movelog/internal/store"
)

var (
	ErrInvalidCredential = errors.New("invalid login name or credential")
	ErrEmptyCredential   = errors.New("credential is empty")
	ErrCredentialReused  = errors.New("new credential equals the current one")
)

// AccountLookup finds an account by login name in the current local view.
type AccountLookup func(loginName string) (store.Account, bool)

type Service struct {
	lookup AccountLookup
	cost   int
	// dummy is compared against when the login name is unknown, so both
	// failure paths cost one bcrypt comparison.
	dummy []byte
}

func NewService(lookup AccountLookup) *Service {
	return NewServiceWithCost(lookup, bcrypt.DefaultCost)
}

func NewServiceWithCost(lookup AccountLookup, cost int) *Service {
	dummy, _ := bcrypt.GenerateFromPassword([]byte("movelog-dummy"), cost)
	return &Service{lookup: lookup, cost: cost, dummy: dummy}
}

func (s *Service) Hash(secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", ErrEmptyCredential
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash credential: %w", err)
	}
	return string(hash), nil
}

// Verify compares secret against a stored hash.
func Verify(hash, secret string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return ErrInvalidCredential
	}
	return nil
}

// SignIn returns the account matching loginName and secret. Suspended
// accounts sign in too; the account gate stops them afterwards.
func (s *Service) SignIn(loginName, secret string) (store.Account, error) {
	if strings.TrimSpace(loginName) == "" || secret == "" {
		return store.Account{}, ErrInvalidCredential
	}
	account, ok := s.lookup(loginName)
	if !ok {
		_ = bcrypt.CompareHashAndPassword(s.dummy, []byte(secret))
		return store.Account{}, ErrInvalidCredential
	}
	if err := Verify(account.CredentialHash, secret); err != nil {
		return store.Account{}, err
	}
	return account, nil
}

// ChangeCredential returns account with next as its credential and the
// forced-change flag cleared. The current credential must match.
func (s *Service) ChangeCredential(account store.Account, current, next string) (store.Account, error) {
	if err := Verify(account.CredentialHash, current); err != nil {
		return store.Account{}, err
	}
	if strings.TrimSpace(next) == "" {
		return store.Account{}, ErrEmptyCredential
	}
	if next == current {
		return store.Account{}, ErrCredentialReused
	}
	hash, err := s.Hash(next)
	if err != nil {
		return store.Account{}, err
	}
	account.CredentialHash = hash
	account.MustChangeCredential = false
	return account, nil
}

// BootstrapAccounts returns the accounts to seed into an empty directory:
// one admin that must change its credential and one member, both starting
// with secret. newID supplies account ids.
func (s *Service) BootstrapAccounts(secret string, now time.Time, newID func() string) ([]store.Account, error) {
	hash, err := s.Hash(secret)
	if err != nil {
		return nil, err
	}
	now = now.UTC()
	return []store.Account{
		{
			ID:                   newID(),
			LoginName:            "admin",
			CredentialHash:       hash,
			DisplayName:          "Administrator",
			Role:                 rbac.RoleAdmin,
			Active:               true,
			MustChangeCredential: true,
			CreatedAt:            now,
		},
		{
			ID:             newID(),
			LoginName:      "user1",
			CredentialHash: hash,
			DisplayName:    "User One",
			Role:           rbac.RoleMember,
			Active:         true,
			CreatedAt:      now,
		},
	}, nil
}
