package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"tokosegar/backend/internal/domain"
	"tokosegar/backend/internal/store"
)

type userStoreStub struct {
	mu    sync.Mutex
	users map[string]domain.UserAccount
}

func (s *userStoreStub) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := user
	return &clone, nil
}

func newAuthStub(t *testing.T) *userStoreStub {
	t.Helper()
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  mustHashPassword(t, "admin123"),
				Role:      "admin",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
			"dormant": {
				Username:  "dormant",
				Password:  mustHashPassword(t, "sleepy123"),
				Role:      "cashier",
				Active:    false,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestLoginNormalizesUsername(t *testing.T) {
	auth := NewAuthManager("unit-test-secret", time.Hour, "", newAuthStub(t))

	resp, err := auth.Login(context.Background(), domain.LoginRequest{
		Username: "  ADMIN  ",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.Role != "admin" {
		t.Fatalf("expected admin role, got %q", resp.Role)
	}
	if strings.TrimSpace(resp.AccessToken) == "" {
		t.Fatalf("expected access token")
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	auth := NewAuthManager("unit-test-secret", time.Hour, "", newAuthStub(t))

	if _, err := auth.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "not-the-password",
	}); err == nil {
		t.Fatalf("expected error for wrong password")
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	auth := NewAuthManager("unit-test-secret", time.Hour, "", newAuthStub(t))

	_, err := auth.Login(context.Background(), domain.LoginRequest{
		Username: "dormant",
		Password: "sleepy123",
	})
	if err == nil || !strings.Contains(err.Error(), "inactive") {
		t.Fatalf("expected inactive account error, got %v", err)
	}
}

func TestParseTokenRoundTrip(t *testing.T) {
	auth := NewAuthManager("unit-test-secret", time.Hour, "", newAuthStub(t))

	resp, err := auth.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "admin" || actor.Role != "admin" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	auth := NewAuthManager("unit-test-secret", time.Hour, "", newAuthStub(t))
	other := NewAuthManager("a-different-secret", time.Hour, "", newAuthStub(t))

	resp, err := auth.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected error for token signed with another secret")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	auth := NewAuthManager("unit-test-secret", time.Hour, "", newAuthStub(t))

	token, err := auth.sign("admin", "admin", time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expected error for expired token")
	}
}

func TestValidateManagerPIN(t *testing.T) {
	auth := NewAuthManager("unit-test-secret", time.Hour, "424242", newAuthStub(t))

	if !auth.ValidateManagerPIN("424242") {
		t.Fatalf("expected correct pin to validate")
	}
	if auth.ValidateManagerPIN("111111") {
		t.Fatalf("expected wrong pin to fail")
	}
	if auth.ValidateManagerPIN("") {
		t.Fatalf("expected empty pin to fail")
	}
	if auth.ValidateManagerPIN(" 424242 ") != true {
		t.Fatalf("expected pin to be trimmed before comparison")
	}
}
