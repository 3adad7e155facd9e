package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIdentityFromTokenReadsTenantClaim(t *testing.T) {
	expiry := time.Unix(1900000000, 0).UTC()
	token := mustSignedToken(t, Claims{
		UserID:   "user-7",
		TenantID: "org-42",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "subject-7",
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	})

	identity, err := IdentityFromToken(token, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity.TenantID() != "org-42" {
		t.Fatalf("expected tenant org-42, got %s", identity.TenantID())
	}
	if identity.UserID() != "user-7" {
		t.Fatalf("expected user-7, got %s", identity.UserID())
	}
	if !identity.ExpiresAt().Equal(expiry) {
		t.Fatalf("expected expiry %v, got %v", expiry, identity.ExpiresAt())
	}
}

func TestIdentityFromTokenFallsBackToOrgClaimAndSubject(t *testing.T) {
	token := mustSignedToken(t, Claims{
		OrgID:            "org-9",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "subject-9"},
	})

	identity, err := IdentityFromToken(token, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity.TenantID() != "org-9" || identity.UserID() != "subject-9" {
		t.Fatalf("unexpected identity: %s", identity)
	}
}

func TestIdentityFromTokenOverrideWins(t *testing.T) {
	token := mustSignedToken(t, Claims{TenantID: "org-1"})

	identity, err := IdentityFromToken(token, "org-override")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity.TenantID() != "org-override" {
		t.Fatalf("expected override tenant, got %s", identity.TenantID())
	}
}

func TestIdentityFromTokenAcceptsOpaqueTokenWithOverride(t *testing.T) {
	identity, err := IdentityFromToken("opaque-token", "org-5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity.Token() != "opaque-token" {
		t.Fatalf("expected opaque token to be kept")
	}
}

func TestIdentityFromTokenRejectsOpaqueTokenWithoutTenant(t *testing.T) {
	_, err := IdentityFromToken("opaque-token", "")
	if !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}
}

func TestIdentityFromTokenRequiresTenant(t *testing.T) {
	token := mustSignedToken(t, Claims{UserID: "user-1"})
	_, err := IdentityFromToken(token, "")
	if !errors.Is(err, ErrMissingTenant) {
		t.Fatalf("expected ErrMissingTenant, got %v", err)
	}
}

func TestNewIdentityRequiresToken(t *testing.T) {
	_, err := NewIdentity("  ", "org-1", "")
	if !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestIdentityEqualAndString(t *testing.T) {
	first := mustIdentity(t, "token-a", "org-1")
	same := mustIdentity(t, "token-a", "org-1")
	otherTenant := mustIdentity(t, "token-a", "org-2")

	if !first.Equal(same) {
		t.Fatalf("expected identical identities to be equal")
	}
	if first.Equal(otherTenant) {
		t.Fatalf("expected tenant change to break equality")
	}
	if strings.Contains(first.String(), "token-a") {
		t.Fatalf("identity string must not leak the token: %s", first.String())
	}
	if !(Identity{}).IsZero() {
		t.Fatalf("expected zero identity")
	}
}

func mustIdentity(t *testing.T, token, tenant string) Identity {
	t.Helper()
	identity, err := NewIdentity(token, tenant, "")
	if err != nil {
		t.Fatalf("unexpected identity error: %v", err)
	}
	return identity
}

func mustSignedToken(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
