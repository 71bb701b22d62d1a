package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/org-partitions/org-service/internal/db/models"
	"github.com/org-partitions/org-service/internal/errs"
	"github.com/org-partitions/org-service/internal/registry"
)

// Issuer authenticates organization administrators and mints access tokens
// bound to the organization's name at issue time. Tokens are not re-signed
// when the organization is renamed; a token naming an old name no longer
// resolves to any organization.
type Issuer struct {
	registry registry.Registry
	hasher   PasswordHasher
	ttl      time.Duration
	name     string
}

// NewIssuer returns an Issuer. name is written to the iss claim.
func NewIssuer(reg registry.Registry, hasher PasswordHasher, ttl time.Duration, name string) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{registry: reg, hasher: hasher, ttl: ttl, name: name}
}

// Authenticate returns the organization administered by email whose stored
// hash matches password. An unknown email and a wrong password are
// indistinguishable to the caller.
func (i *Issuer) Authenticate(ctx context.Context, email, password string) (*models.Organization, error) {
	orgs, err := i.registry.ListByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	for _, org := range orgs {
		if i.hasher.Verify(org.CredentialHash, password) {
			return org, nil
		}
	}
	return nil, errs.ErrUnauthorized
}

// Issue mints a token for org. Missing identity fields are a programming fault.
func (i *Issuer) Issue(org *models.Organization) (string, error) {
	if org == nil || org.AdminEmail == "" || org.Name == "" {
		return "", errs.ErrMissingClaim
	}
	token, err := GenerateJWT(org.AdminEmail, org.Name, i.name, i.ttl)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Validate verifies a token and returns its claims. Every failure, whether a
// bad signature, expiry, wrong algorithm or missing claim, maps to
// errs.ErrUnauthenticated.
func (i *Issuer) Validate(token string) (*Claims, error) {
	claims, err := ValidateJWT(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrUnauthenticated, err)
	}
	return claims, nil
}

// Login authenticates and issues in one step.
func (i *Issuer) Login(ctx context.Context, email, password string) (string, error) {
	org, err := i.Authenticate(ctx, email, password)
	if err != nil {
		return "", err
	}
	token, err := i.Issue(org)
	if errors.Is(err, errs.ErrMissingClaim) {
		return "", fmt.Errorf("organization %q has an incomplete record: %w", org.Name, err)
	}
	return token, err
}
