package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tawarin/backend/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		result = append(result, user)
	}
	return result, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return nil
	}
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func stubWithUser(t *testing.T, username string, password string, role string, active bool) *userStoreStub {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return &userStoreStub{users: map[string]domain.UserAccount{
		username: {Username: username, Password: string(hash), Role: role, Active: active, CreatedAt: time.Now().UTC()},
	}}
}

const testSecret = "auth-test-secret-0123456789abcdef"

func TestLoginAndParseToken(t *testing.T) {
	store := stubWithUser(t, "admin", "hunter22", "admin", true)
	auth := NewAuthManager(testSecret, time.Hour, store)

	resp, err := auth.Login(domain.LoginRequest{Username: "admin", Password: "hunter22"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.Role != "admin" || resp.AccessToken == "" {
		t.Fatalf("unexpected login response %+v", resp)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "admin" || actor.Role != "admin" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestLoginRejectsBadPasswordAndInactive(t *testing.T) {
	store := stubWithUser(t, "admin", "hunter22", "admin", true)
	auth := NewAuthManager(testSecret, time.Hour, store)

	if _, err := auth.Login(domain.LoginRequest{Username: "admin", Password: "wrong"}); err == nil {
		t.Fatalf("expected rejection for wrong password")
	}
	if _, err := auth.Login(domain.LoginRequest{Username: "ghost", Password: "hunter22"}); err == nil {
		t.Fatalf("expected rejection for unknown user")
	}

	inactive := stubWithUser(t, "former", "hunter22", "analyst", false)
	auth = NewAuthManager(testSecret, time.Hour, inactive)
	if _, err := auth.Login(domain.LoginRequest{Username: "former", Password: "hunter22"}); err == nil {
		t.Fatalf("expected rejection for inactive account")
	}
}

func TestParseTokenRejectsForeignSignature(t *testing.T) {
	store := stubWithUser(t, "admin", "hunter22", "admin", true)
	issuer := NewAuthManager(testSecret, time.Hour, store)
	verifier := NewAuthManager("a-completely-different-secret-value", time.Hour, store)

	resp, err := issuer.Login(domain.LoginRequest{Username: "admin", Password: "hunter22"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if _, err := verifier.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("token signed with another secret must be rejected")
	}
	if _, err := issuer.ParseToken("not-a-jwt"); err == nil {
		t.Fatalf("garbage token must be rejected")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	auth := NewAuthManager(testSecret, time.Hour, nil)

	token, err := auth.sign("admin", "admin", time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expired token must be rejected")
	}
}

func TestBootstrapUpgradesPlaintextPasswords(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{
		"legacy": {Username: "legacy", Password: "plain-old-password", Role: "analyst", Active: true, CreatedAt: time.Now().UTC()},
	}}
	auth := NewAuthManager(testSecret, time.Hour, store)

	store.mu.Lock()
	upgraded := store.users["legacy"].Password
	updates := store.updates
	store.mu.Unlock()
	if !strings.HasPrefix(upgraded, "$2") {
		t.Fatalf("expected bcrypt hash in store, got %q", upgraded)
	}
	if updates != 1 {
		t.Fatalf("expected one password upgrade write, got %d", updates)
	}

	// The original password still works after the upgrade.
	if _, err := auth.Login(domain.LoginRequest{Username: "legacy", Password: "plain-old-password"}); err != nil {
		t.Fatalf("login after upgrade: %v", err)
	}
}

func TestCreateAnalystValidation(t *testing.T) {
	auth := NewAuthManager(testSecret, time.Hour, &userStoreStub{})

	cases := []domain.AnalystCreateRequest{
		{Username: "ab", Password: "secret123"},
		{Username: "has space", Password: "secret123"},
		{Username: "goodname", Password: "abc"},
	}
	for _, req := range cases {
		if _, err := auth.CreateAnalyst(req); err == nil {
			t.Fatalf("expected rejection for %+v", req)
		}
	}

	created, err := auth.CreateAnalyst(domain.AnalystCreateRequest{Username: "Reporter", Password: "secret123"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Username != "reporter" || created.Role != "analyst" || !created.Active {
		t.Fatalf("unexpected analyst %+v", created)
	}

	if _, err := auth.CreateAnalyst(domain.AnalystCreateRequest{Username: "reporter", Password: "secret123"}); err == nil {
		t.Fatalf("duplicate username must be rejected")
	}
}

func TestListAnalystsExcludesAdmins(t *testing.T) {
	store := stubWithUser(t, "admin", "hunter22", "admin", true)
	auth := NewAuthManager(testSecret, time.Hour, store)

	if _, err := auth.CreateAnalyst(domain.AnalystCreateRequest{Username: "zeta", Password: "secret123"}); err != nil {
		t.Fatalf("create zeta: %v", err)
	}
	if _, err := auth.CreateAnalyst(domain.AnalystCreateRequest{Username: "alpha", Password: "secret123"}); err != nil {
		t.Fatalf("create alpha: %v", err)
	}

	analysts := auth.ListAnalysts()
	if len(analysts) != 2 {
		t.Fatalf("expected 2 analysts, got %v", analysts)
	}
	if analysts[0].Username != "alpha" || analysts[1].Username != "zeta" {
		t.Fatalf("expected sorted usernames, got %v", analysts)
	}
}
