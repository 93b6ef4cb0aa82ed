package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"movelog/internal/auth"
	"movelog/internal/authpw"
	"movelog/internal/config"
	"movelog/internal/logging"
	"movelog/internal/rbac"
	"movelog/internal/replica"
	"movelog/internal/search"
	"movelog/internal/session"
	"movelog/internal/store"
)

// Session is an authenticated request context. Actor reflects the live
// account, not the state at login.
type Session struct {
	Token     string
	TokenHash string
	Actor     rbac.Actor
	ExpiresAt time.Time
}

// AccountView is an account as shown to clients. The credential hash never
// leaves the service.
type AccountView struct {
	ID                   string    `json:"id"`
	LoginName            string    `json:"loginName"`
	DisplayName          string    `json:"displayName"`
	Role                 rbac.Role `json:"role"`
	Active               bool      `json:"active"`
	MustChangeCredential bool      `json:"mustChangeCredential"`
	Phone                string    `json:"phone"`
	CreatedAt            time.Time `json:"createdAt"`
}

func accountView(a store.Account) AccountView {
	return AccountView{
		ID:                   a.ID,
		LoginName:            a.LoginName,
		DisplayName:          a.DisplayName,
		Role:                 a.Role,
		Active:               a.Active,
		MustChangeCredential: a.MustChangeCredential,
		Phone:                a.Phone,
		CreatedAt:            a.CreatedAt,
	}
}

type Service struct {
	cfg       config.Config
	records   store.Replicated
	engine    *replica.Engine
	sessions  session.Store
	passwords *authpw.Service
	tokens    *auth.Issuer
	search    *search.Service
	log       logging.Logger
	now       func() time.Time
}

// New wires the service. meili may be nil, in which case search scans the
// local cache.
func New(cfg config.Config, records store.Replicated, sessions session.Store, meili *search.Meili, log logging.Logger) *Service {
	if log == nil {
		log = logging.Discard()
	}
	engine := replica.NewEngine(records, log.With("component", "replica"))
	s := &Service{
		cfg:      cfg,
		records:  records,
		engine:   engine,
		sessions: sessions,
		tokens:   auth.NewIssuer(cfg.TokenSecret, cfg.AccessTTL),
		search:   search.NewService(meili, engine.Snapshot, log.With("component", "search")),
		log:      log,
		now:      time.Now,
	}
	s.passwords = authpw.NewService(func(loginName string) (store.Account, bool) {
		return s.engine.Snapshot().AccountByLogin(loginName)
	})
	engine.Observe(s.search.Observe)
	return s
}

// Observe registers fn to run after every cache replacement.
func (s *Service) Observe(fn func(*replica.Cache)) {
	s.engine.Observe(fn)
}

// Engine exposes the service's own view, used for the stream and tests.
func (s *Service) Engine() *replica.Engine {
	return s.engine
}

// Start subscribes to the store, waits for the first full view, and seeds the
// bootstrap accounts into an empty directory.
func (s *Service) Start(ctx context.Context, readyTimeout time.Duration) error {
	if err := s.engine.Start(ctx); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := s.engine.WaitReady(waitCtx); err != nil {
		return fmt.Errorf("wait for initial snapshots: %w: %w", store.ErrUnavailable, err)
	}
	return s.Bootstrap(ctx)
}

func (s *Service) Close() error {
	return s.engine.Close()
}

func (s *Service) Bootstrap(ctx context.Context) error {
	if len(s.engine.Snapshot().Accounts) > 0 {
		return nil
	}
	accounts, err := s.passwords.BootstrapAccounts(s.cfg.BootstrapCredential, s.now(), func() string {
		return s.engine.GenerateID(store.CollectionAccounts)
	})
	if err != nil {
		return fmt.Errorf("bootstrap accounts: %w", err)
	}
	for _, a := range accounts {
		err := s.write(ctx, store.CollectionAccounts, a.ID, a)
		if errors.Is(err, store.ErrDuplicate) {
			// another instance seeded first
			s.log.Info(ctx, "bootstrap account already present", "login", a.LoginName)
			continue
		}
		if err != nil {
			return fmt.Errorf("bootstrap %s: %w", a.LoginName, err)
		}
		s.log.Info(ctx, "bootstrap account created", "login", a.LoginName, "role", string(a.Role))
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.records.Ping(ctx); err != nil {
		return err
	}
	return s.sessions.Ping(ctx)
}

// Ready reports whether every collection has been loaded.
func (s *Service) Ready() bool {
	return s.engine.Snapshot().Ready()
}

// write detaches from the request: a submitted write is not aborted when the
// client goes away, only bounded by the configured write timeout.
func (s *Service) write(ctx context.Context, coll store.Collection, id string, record any) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
	defer cancel()
	err := s.engine.Write(ctx, coll, id, record)
	if err != nil && ctx.Err() != nil && !errors.Is(err, store.ErrUnavailable) {
		err = fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return err
}

// writeOrFail maps a failed write to the client-facing error.
func (s *Service) writeOrFail(ctx context.Context, coll store.Collection, id string, record any, attempted any) error {
	err := s.write(ctx, coll, id, record)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrDuplicate):
		return validationFailed("loginName", "Login name already taken")
	case errors.Is(err, store.ErrUnavailable):
		s.log.Warn(ctx, "write failed", "collection", string(coll), "id", id, "error", err)
		return storeUnavailable(attempted)
	default:
		return err
	}
}

// authorize runs the account gate and then the rules for a mutating action.
func (s *Service) authorize(actor rbac.Actor, action rbac.Action, res rbac.Resource) error {
	return s.authorizeAt(actor, action, res, s.now())
}

// authorizeAt decides against a caller-supplied instant so a check and the
// write it guards agree on the time.
func (s *Service) authorizeAt(actor rbac.Actor, action rbac.Action, res rbac.Resource, now time.Time) error {
	if d := rbac.Gate(actor, action); d.Denied() {
		return unauthorized(d)
	}
	if d := rbac.Decide(actor, action, res, now); d.Denied() {
		return unauthorized(d)
	}
	return nil
}

// allowedToView is the read-only check; the account gate does not apply.
func (s *Service) allowedToView(actor rbac.Actor, action rbac.Action, res rbac.Resource) error {
	if d := rbac.Decide(actor, action, res, s.now()); d.Denied() {
		return unauthorized(d)
	}
	return nil
}

func (s *Service) Login(ctx context.Context, loginName, credential string) (Session, error) {
	if !s.Ready() {
		return Session{}, storeUnavailable(map[string]any{"loginName": loginName})
	}
	account, err := s.passwords.SignIn(loginName, credential)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredential) {
			return Session{}, unauthenticated("Invalid login name or credential")
		}
		return Session{}, err
	}

	actor := account.Actor()
	token, claims, err := s.tokens.Issue(actor)
	if err != nil {
		return Session{}, err
	}
	sess := Session{Token: token, TokenHash: auth.HashToken(token), Actor: actor, ExpiresAt: claims.ExpiresAt()}
	if err := s.sessions.Save(ctx, sess.TokenHash, session.FromActor(actor, s.now()), sess.ExpiresAt); err != nil {
		s.log.Error(ctx, "save session", "error", err)
		return Session{}, storeUnavailable(map[string]any{"loginName": loginName})
	}
	s.log.Info(ctx, "signed in", "account_id", actor.ID, "role", string(actor.Role), "active", actor.Active)
	return sess, nil
}

// SessionFromToken resolves a bearer token. The stored record is refreshed
// from the live account so suspensions and role changes apply at once.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return Session{}, unauthenticated("Session token invalid or expired")
	}
	hash := auth.HashToken(token)
	rec, err := s.sessions.Lookup(ctx, hash)
	if errors.Is(err, session.ErrNotFound) {
		return Session{}, unauthenticated("Session ended")
	}
	if err != nil {
		return Session{}, storeUnavailable(nil)
	}

	actor := rec.Actor()
	if account, ok := s.engine.Snapshot().Account(rec.AccountID); ok && account.Actor() != actor {
		actor = account.Actor()
		refreshed := session.FromActor(actor, rec.CreatedAt)
		if err := s.sessions.Save(ctx, hash, refreshed, claims.ExpiresAt()); err != nil {
			s.log.Warn(ctx, "refresh session record", "error", err)
		}
	}
	return Session{Token: token, TokenHash: hash, Actor: actor, ExpiresAt: claims.ExpiresAt()}, nil
}

func (s *Service) Logout(ctx context.Context, sess Session) error {
	if sess.TokenHash == "" {
		return nil
	}
	if err := s.sessions.Delete(ctx, sess.TokenHash); err != nil {
		return storeUnavailable(nil)
	}
	return nil
}

func (s *Service) ownAccount(actor rbac.Actor) (store.Account, error) {
	account, ok := s.engine.Snapshot().Account(actor.ID)
	if !ok {
		return store.Account{}, notFound("Account")
	}
	return account, nil
}

// ChangeCredential replaces the actor's own credential and clears a pending
// forced change. It is the one action open to an account that must change
// its credential.
func (s *Service) ChangeCredential(ctx context.Context, sess Session, current, next string) (AccountView, error) {
	if err := s.authorize(sess.Actor, rbac.ActionChangeOwnCredential, rbac.Resource{OwnerID: sess.Actor.ID}); err != nil {
		return AccountView{}, err
	}
	account, err := s.ownAccount(sess.Actor)
	if err != nil {
		return AccountView{}, err
	}
	updated, err := s.passwords.ChangeCredential(account, current, next)
	switch {
	case errors.Is(err, authpw.ErrInvalidCredential):
		return AccountView{}, validationFailed("currentCredential", "Current credential does not match")
	case errors.Is(err, authpw.ErrEmptyCredential):
		return AccountView{}, validationFailed("newCredential", "New credential is required")
	case errors.Is(err, authpw.ErrCredentialReused):
		return AccountView{}, validationFailed("newCredential", "New credential must differ from the current one")
	case err != nil:
		return AccountView{}, err
	}

	if err := s.writeOrFail(ctx, store.CollectionAccounts, updated.ID, updated, map[string]any{}); err != nil {
		return AccountView{}, err
	}
	if err := s.sessions.Save(ctx, sess.TokenHash, session.FromActor(updated.Actor(), s.now()), sess.ExpiresAt); err != nil {
		s.log.Warn(ctx, "update session after credential change", "error", err)
	}
	s.log.Info(ctx, "credential changed", "account_id", updated.ID)
	return accountView(updated), nil
}

const maxPhoneLength = 32

func (s *Service) UpdatePhone(ctx context.Context, sess Session, phone string) (AccountView, error) {
	if err := s.authorize(sess.Actor, rbac.ActionUpdateOwnPhone, rbac.Resource{OwnerID: sess.Actor.ID}); err != nil {
		return AccountView{}, err
	}
	phone = strings.TrimSpace(phone)
	if len(phone) > maxPhoneLength {
		return AccountView{}, validationFailed("phone", "Phone number is too long")
	}
	account, err := s.ownAccount(sess.Actor)
	if err != nil {
		return AccountView{}, err
	}
	account.Phone = phone
	if err := s.writeOrFail(ctx, store.CollectionAccounts, account.ID, account, map[string]any{"phone": phone}); err != nil {
		return AccountView{}, err
	}
	return accountView(account), nil
}

// Me returns the actor's own account.
func (s *Service) Me(sess Session) (AccountView, error) {
	account, err := s.ownAccount(sess.Actor)
	if err != nil {
		return AccountView{}, err
	}
	return accountView(account), nil
}

func (s *Service) ListAccounts(sess Session) ([]AccountView, error) {
	if err := s.allowedToView(sess.Actor, rbac.ActionViewDirectory, rbac.Resource{}); err != nil {
		return nil, err
	}
	accounts := s.engine.Snapshot().AccountList()
	out := make([]AccountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountView(a))
	}
	return out, nil
}

// Contact is an account the actor may address a message to.
type Contact struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Role        rbac.Role `json:"role"`
}

// Contacts lists the audiences the actor may message, "all" included when
// allowed.
func (s *Service) Contacts(sess Session) []Contact {
	now := s.now()
	out := []Contact{}
	if rbac.Decide(sess.Actor, rbac.ActionSendMessage, rbac.Resource{Audience: rbac.AudienceAll}, now).Allowed {
		out = append(out, Contact{ID: rbac.AudienceAll, DisplayName: "Everyone"})
	}
	for _, a := range s.engine.Snapshot().AccountList() {
		if a.ID == sess.Actor.ID || !a.Active {
			continue
		}
		if rbac.Decide(sess.Actor, rbac.ActionSendMessage, rbac.Resource{Audience: a.ID, AudienceRole: a.Role}, now).Allowed {
			out = append(out, Contact{ID: a.ID, DisplayName: a.DisplayName, Role: a.Role})
		}
	}
	return out
}

type CreateAccountInput struct {
	LoginName   string `json:"loginName"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	Phone       string `json:"phone"`
	Credential  string `json:"credential"`
}

func (in CreateAccountInput) attempted() map[string]any {
	return map[string]any{"loginName": in.LoginName, "displayName": in.DisplayName, "role": in.Role, "phone": in.Phone}
}

// CreateAccount adds an account. New accounts must change the credential the
// admin handed out on first sign-in.
func (s *Service) CreateAccount(ctx context.Context, sess Session, in CreateAccountInput) (AccountView, error) {
	if err := s.authorize(sess.Actor, rbac.ActionManageAccounts, rbac.Resource{}); err != nil {
		return AccountView{}, err
	}
	loginName := strings.TrimSpace(in.LoginName)
	if loginName == "" {
		return AccountView{}, validationFailed("loginName", "Login name is required")
	}
	cache := s.engine.Snapshot()
	if _, taken := cache.AccountByLogin(loginName); taken {
		return AccountView{}, validationFailed("loginName", "Login name already taken")
	}
	displayName := strings.TrimSpace(in.DisplayName)
	if displayName == "" {
		return AccountView{}, validationFailed("displayName", "Display name is required")
	}
	role, err := rbac.ParseRole(in.Role)
	if err != nil {
		return AccountView{}, validationFailed("role", "Role must be admin or member")
	}
	phone := strings.TrimSpace(in.Phone)
	if len(phone) > maxPhoneLength {
		return AccountView{}, validationFailed("phone", "Phone number is too long")
	}
	hash, err := s.passwords.Hash(in.Credential)
	if errors.Is(err, authpw.ErrEmptyCredential) {
		return AccountView{}, validationFailed("credential", "Initial credential is required")
	}
	if err != nil {
		return AccountView{}, err
	}

	account := store.Account{
		ID:                   s.engine.GenerateID(store.CollectionAccounts),
		LoginName:            loginName,
		CredentialHash:       hash,
		DisplayName:          displayName,
		Role:                 role,
		Active:               true,
		MustChangeCredential: true,
		Phone:                phone,
		CreatedAt:            s.now().UTC(),
	}
	if err := s.writeOrFail(ctx, store.CollectionAccounts, account.ID, account, in.attempted()); err != nil {
		return AccountView{}, err
	}
	s.log.Info(ctx, "account created", "account_id", account.ID, "role", string(role), "by", sess.Actor.ID)
	return accountView(account), nil
}

// UpdateAccountInput holds the fields an admin may change. Nil means unchanged.
type UpdateAccountInput struct {
	LoginName   *string `json:"loginName"`
	DisplayName *string `json:"displayName"`
	Role        *string `json:"role"`
	Active      *bool   `json:"active"`
	Phone       *string `json:"phone"`
	// Credential resets the account's credential and forces a change.
	Credential *string `json:"credential"`
}

func (in UpdateAccountInput) attempted() map[string]any {
	out := map[string]any{}
	if in.LoginName != nil {
		out["loginName"] = *in.LoginName
	}
	if in.DisplayName != nil {
		out["displayName"] = *in.DisplayName
	}
	if in.Role != nil {
		out["role"] = *in.Role
	}
	if in.Active != nil {
		out["active"] = *in.Active
	}
	if in.Phone != nil {
		out["phone"] = *in.Phone
	}
	return out
}

func (s *Service) UpdateAccount(ctx context.Context, sess Session, id string, in UpdateAccountInput) (AccountView, error) {
	if err := s.authorize(sess.Actor, rbac.ActionManageAccounts, rbac.Resource{}); err != nil {
		return AccountView{}, err
	}
	cache := s.engine.Snapshot()
	account, ok := cache.Account(id)
	if !ok {
		return AccountView{}, notFound("Account")
	}
	self := account.ID == sess.Actor.ID

	if in.LoginName != nil {
		loginName := strings.TrimSpace(*in.LoginName)
		if loginName == "" {
			return AccountView{}, validationFailed("loginName", "Login name is required")
		}
		if other, taken := cache.AccountByLogin(loginName); taken && other.ID != account.ID {
			return AccountView{}, validationFailed("loginName", "Login name already taken")
		}
		account.LoginName = loginName
	}
	if in.DisplayName != nil {
		displayName := strings.TrimSpace(*in.DisplayName)
		if displayName == "" {
			return AccountView{}, validationFailed("displayName", "Display name is required")
		}
		account.DisplayName = displayName
	}
	if in.Role != nil {
		role, err := rbac.ParseRole(*in.Role)
		if err != nil {
			return AccountView{}, validationFailed("role", "Role must be admin or member")
		}
		if self && role != rbac.RoleAdmin {
			return AccountView{}, validationFailed("role", "Admins cannot demote themselves")
		}
		account.Role = role
	}
	if in.Active != nil {
		if self && !*in.Active {
			return AccountView{}, validationFailed("active", "Admins cannot suspend themselves")
		}
		account.Active = *in.Active
	}
	if in.Phone != nil {
		phone := strings.TrimSpace(*in.Phone)
		if len(phone) > maxPhoneLength {
			return AccountView{}, validationFailed("phone", "Phone number is too long")
		}
		account.Phone = phone
	}
	if in.Credential != nil {
		hash, err := s.passwords.Hash(*in.Credential)
		if errors.Is(err, authpw.ErrEmptyCredential) {
			return AccountView{}, validationFailed("credential", "Credential is required")
		}
		if err != nil {
			return AccountView{}, err
		}
		account.CredentialHash = hash
		account.MustChangeCredential = true
	}

	if err := s.writeOrFail(ctx, store.CollectionAccounts, account.ID, account, in.attempted()); err != nil {
		return AccountView{}, err
	}
	s.log.Info(ctx, "account updated", "account_id", account.ID, "by", sess.Actor.ID, "active", account.Active, "role", string(account.Role))
	return accountView(account), nil
}
