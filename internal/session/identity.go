package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken indicates that no access token was supplied.
	ErrMissingToken = errors.New("session: access token required")
	// ErrMissingTenant indicates that neither the caller nor the token named a tenant.
	ErrMissingTenant = errors.New("session: tenant id required")
	// ErrMalformedToken indicates that the token could not be decoded as a JWT.
	ErrMalformedToken = errors.New("session: malformed token")
)

// Claims mirrors the subset of the backend access token the client cares about.
type Claims struct {
	UserID         string `json:"user_id"`
	TenantID       string `json:"tenant_id"`
	OrgID          string `json:"org_id"`
	OrganizationID string `json:"organizationId"`
	jwt.RegisteredClaims
}

// Identity carries the credentials used to open the push channel and call the REST API.
type Identity struct {
	token     string
	tenantID  string
	userID    string
	expiresAt time.Time
}

// NewIdentity validates raw input and returns an Identity.
func NewIdentity(token, tenantID, userID string) (Identity, error) {
	trimmedToken := strings.TrimSpace(token)
	if trimmedToken == "" {
		return Identity{}, ErrMissingToken
	}
	trimmedTenant := strings.TrimSpace(tenantID)
	if trimmedTenant == "" {
		return Identity{}, ErrMissingTenant
	}
	return Identity{
		token:    trimmedToken,
		tenantID: trimmedTenant,
		userID:   strings.TrimSpace(userID),
	}, nil
}

// IdentityFromToken decodes tenant and user claims from the token without verifying
// its signature; the backend remains responsible for verification. A non-empty
// tenantOverride wins over the token's claims, and opaque (non-JWT) tokens are
// accepted when the override is present.
func IdentityFromToken(token, tenantOverride string) (Identity, error) {
	trimmedToken := strings.TrimSpace(token)
	if trimmedToken == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(trimmedToken, claims); err != nil {
		if strings.TrimSpace(tenantOverride) != "" {
			return NewIdentity(trimmedToken, tenantOverride, "")
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	tenantID := firstNonEmpty(tenantOverride, claims.TenantID, claims.OrgID, claims.OrganizationID)
	userID := firstNonEmpty(claims.UserID, claims.Subject)
	identity, err := NewIdentity(trimmedToken, tenantID, userID)
	if err != nil {
		return Identity{}, err
	}
	if claims.ExpiresAt != nil {
		identity.expiresAt = claims.ExpiresAt.Time.UTC()
	}
	return identity, nil
}

// Token returns the bearer token.
func (identity Identity) Token() string {
	return identity.token
}

// TenantID returns the tenant (organization) identifier.
func (identity Identity) TenantID() string {
	return identity.tenantID
}

// UserID returns the user identifier when the token carried one.
func (identity Identity) UserID() string {
	return identity.userID
}

// ExpiresAt returns the token expiry, or the zero time when unknown.
func (identity Identity) ExpiresAt() time.Time {
	return identity.expiresAt
}

// IsZero reports whether the identity was never initialised.
func (identity Identity) IsZero() bool {
	return identity.token == ""
}

// Equal reports whether both identities carry the same credentials.
func (identity Identity) Equal(other Identity) bool {
	return identity.token == other.token && identity.tenantID == other.tenantID
}

// String renders the identity without leaking the token.
func (identity Identity) String() string {
	if identity.IsZero() {
		return "identity(empty)"
	}
	return fmt.Sprintf("identity(tenant=%s user=%s)", identity.tenantID, identity.userID)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
