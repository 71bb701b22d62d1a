package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/org-partitions/org-service/internal/db/models"
	"github.com/org-partitions/org-service/internal/errs"
	"github.com/org-partitions/org-service/internal/registry"
	regmemory "github.com/org-partitions/org-service/internal/registry/memory"
)

func newTestIssuer(t *testing.T) (*Issuer, registry.Registry, PasswordHasher) {
	t.Helper()
	resetJWTSecret()
	t.Setenv(SecretEnvVar, testSecret)

	reg := regmemory.New()
	hasher := NewBcryptHasher(bcrypt.MinCost)
	return NewIssuer(reg, hasher, 30*time.Minute, "org-service"), reg, hasher
}

func seedOrg(t *testing.T, reg registry.Registry, hasher PasswordHasher, name, partitionID, email, password string) {
	t.Helper()
	hash, err := hasher.Hash(password)
	require.NoError(t, err)
	require.NoError(t, reg.Insert(context.Background(), &models.Organization{
		Name: name, PartitionID: partitionID, AdminEmail: email, CredentialHash: hash,
	}))
}

func TestBcryptHasher(t *testing.T) {
	h := NewBcryptHasher(bcrypt.MinCost)
	hash, err := h.Hash("s3cret-password")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret-password", hash)
	assert.True(t, h.Verify(hash, "s3cret-password"))
	assert.False(t, h.Verify(hash, "wrong-password"))
	assert.False(t, h.Verify("not-a-hash", "s3cret-password"))

	assert.Equal(t, bcrypt.DefaultCost, NewBcryptHasher(0).Cost)
}

func TestIssuer_Login(t *testing.T) {
	iss, reg, hasher := newTestIssuer(t)
	seedOrg(t, reg, hasher, "Acme Corp", "org_acme_corp", "admin@acme.com", "correct-horse")
	ctx := context.Background()

	t.Run("valid credentials", func(t *testing.T) {
		token, err := iss.Login(ctx, "admin@acme.com", "correct-horse")
		require.NoError(t, err)

		claims, err := iss.Validate(token)
		require.NoError(t, err)
		assert.Equal(t, "admin@acme.com", claims.Subject)
		assert.Equal(t, "Acme Corp", claims.OrgName)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := iss.Login(ctx, "admin@acme.com", "wrong-horse")
		assert.ErrorIs(t, err, errs.ErrUnauthorized)
	})

	t.Run("unknown email is indistinguishable", func(t *testing.T) {
		_, err := iss.Login(ctx, "nobody@acme.com", "correct-horse")
		assert.ErrorIs(t, err, errs.ErrUnauthorized)
	})
}

func TestIssuer_SharedEmailMatchesByPassword(t *testing.T) {
	iss, reg, hasher := newTestIssuer(t)
	seedOrg(t, reg, hasher, "Acme", "org_acme", "ops@example.com", "password-one")
	seedOrg(t, reg, hasher, "Globex", "org_globex", "ops@example.com", "password-two")

	org, err := iss.Authenticate(context.Background(), "ops@example.com", "password-two")
	require.NoError(t, err)
	assert.Equal(t, "Globex", org.Name)
}

func TestIssuer_IssueMissingClaim(t *testing.T) {
	iss, _, _ := newTestIssuer(t)

	_, err := iss.Issue(&models.Organization{Name: "Acme"})
	assert.ErrorIs(t, err, errs.ErrMissingClaim)

	_, err = iss.Issue(&models.Organization{AdminEmail: "a@acme.com"})
	assert.ErrorIs(t, err, errs.ErrMissingClaim)

	_, err = iss.Issue(nil)
	assert.ErrorIs(t, err, errs.ErrMissingClaim)
}

func TestIssuer_ValidateFailuresAreUnauthenticated(t *testing.T) {
	iss, _, _ := newTestIssuer(t)

	for _, token := range []string{"", "garbage", "a.b.c"} {
		_, err := iss.Validate(token)
		assert.ErrorIs(t, err, errs.ErrUnauthenticated, "token %q", token)
	}

	expired, err := GenerateJWT("a@acme.com", "Acme", "org-service", -time.Minute)
	require.NoError(t, err)
	_, err = iss.Validate(expired)
	assert.ErrorIs(t, err, errs.ErrUnauthenticated)
}

func TestIssuer_TokenNotReboundAfterRename(t *testing.T) {
	iss, reg, hasher := newTestIssuer(t)
	seedOrg(t, reg, hasher, "Acme", "org_acme", "admin@acme.com", "correct-horse")
	ctx := context.Background()

	token, err := iss.Login(ctx, "admin@acme.com", "correct-horse")
	require.NoError(t, err)

	require.NoError(t, reg.Rename(ctx, "Acme", registry.Identity{
		Name: "Acme Two", PartitionID: "org_acme_two", AdminEmail: "admin@acme.com", CredentialHash: "x",
	}))

	claims, err := iss.Validate(token)
	require.NoError(t, err, "signature stays valid until expiry")
	assert.Equal(t, "Acme", claims.OrgName)

	_, err = reg.FindByName(ctx, claims.OrgName)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
