package auth

import (
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

func newTestManager(t *testing.T, ttl, skew time.Duration) AccessTokenManager {
	t.Helper()

	secret := paseto.NewV4AsymmetricSecretKey()
	m, err := NewPasetoV4PublicManager(Config{
		Issuer:               "workkap-test",
		AccessTokenTTL:       ttl,
		ClockSkew:            skew,
		PasetoV4SecretKeyHex: secret.ExportHex(),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 15*time.Minute, 30*time.Second)
	now := time.Now().UTC()

	tok, exp, err := m.Issue("user-1", UserTypeFreelancer, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !exp.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("exp=%v want %v", exp, now.Add(15*time.Minute))
	}

	claims, err := m.Verify(tok, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("uid=%q", claims.UserID)
	}
	if claims.UserType != UserTypeFreelancer {
		t.Fatalf("utype=%q", claims.UserType)
	}
	if claims.Issuer != "workkap-test" {
		t.Fatalf("iss=%q", claims.Issuer)
	}
}

func TestVerify_ExpiredToken(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, time.Minute, 0)
	now := time.Now().UTC()

	tok, _, err := m.Issue("user-1", UserTypeClient, now.Add(-2*time.Minute))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := m.Verify(tok, now); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerify_WrongIssuer(t *testing.T) {
	t.Parallel()

	secret := paseto.NewV4AsymmetricSecretKey()
	other, err := NewPasetoV4PublicManager(Config{
		Issuer:               "someone-else",
		AccessTokenTTL:       time.Hour,
		PasetoV4SecretKeyHex: secret.ExportHex(),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	now := time.Now().UTC()
	tok, _, err := other.Issue("user-1", UserTypeClient, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Same key, different configured issuer.
	mine, err := NewPasetoV4PublicManager(Config{
		Issuer:               "workkap-test",
		AccessTokenTTL:       time.Hour,
		PasetoV4SecretKeyHex: secret.ExportHex(),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := mine.Verify(tok, now); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerify_WrongKey(t *testing.T) {
	t.Parallel()

	m1 := newTestManager(t, time.Hour, 0)
	m2 := newTestManager(t, time.Hour, 0)
	now := time.Now().UTC()

	tok, _, err := m1.Issue("user-1", UserTypeClient, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m2.Verify(tok, now); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerify_GarbageToken(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, time.Hour, 0)
	if _, err := m.Verify("v4.public.not-a-token", time.Now().UTC()); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestIssue_RejectsUnknownUserType(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, time.Hour, 0)
	if _, _, err := m.Issue("user-1", "admin", time.Now().UTC()); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNewManager_BadKey(t *testing.T) {
	t.Parallel()

	_, err := NewPasetoV4PublicManager(Config{
		Issuer:               "workkap-test",
		AccessTokenTTL:       time.Hour,
		PasetoV4SecretKeyHex: "zz-not-hex",
	})
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
