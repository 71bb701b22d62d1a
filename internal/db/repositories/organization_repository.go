// organization_repository.go implements OrganizationRepository, the PostgreSQL
// registry of organizations: name to partition mapping plus admin credentials.
package repositories

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/org-partitions/org-service/internal/db/models"
	"github.com/org-partitions/org-service/internal/errs"
	"github.com/org-partitions/org-service/internal/registry"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

const orgColumns = `organization_name, collection_name, admin_email, hashed_password, created_at, updated_at`

// OrganizationRepository handles database operations for organizations
type OrganizationRepository struct {
	db *sqlx.DB
}

// NewOrganizationRepository creates a new organization repository
func NewOrganizationRepository(db *sqlx.DB) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

// FindByName retrieves an organization by its display name
func (r *OrganizationRepository) FindByName(ctx context.Context, name string) (*models.Organization, error) {
	query := `SELECT ` + orgColumns + ` FROM organizations WHERE organization_name = $1`
	return r.getOne(ctx, query, name, "organization "+name)
}

// FindByPartition retrieves the organization owning a partition
func (r *OrganizationRepository) FindByPartition(ctx context.Context, partitionID string) (*models.Organization, error) {
	query := `SELECT ` + orgColumns + ` FROM organizations WHERE collection_name = $1`
	return r.getOne(ctx, query, partitionID, "partition "+partitionID)
}

func (r *OrganizationRepository) getOne(ctx context.Context, query, arg, what string) (*models.Organization, error) {
	var org models.Organization
	err := r.db.GetContext(ctx, &org, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, errs.ErrNotFound)
	}
	if err != nil {
		return nil, classify("failed to get organization", err)
	}
	return &org, nil
}

// ListByEmail returns every organization administered by email, oldest first
func (r *OrganizationRepository) ListByEmail(ctx context.Context, email string) ([]*models.Organization, error) {
	query := `SELECT ` + orgColumns + ` FROM organizations WHERE admin_email = $1 ORDER BY created_at, organization_name`
	var orgs []*models.Organization
	if err := r.db.SelectContext(ctx, &orgs, query, email); err != nil {
		return nil, classify("failed to list organizations by email", err)
	}
	return orgs, nil
}

// List returns every organization, oldest first
func (r *OrganizationRepository) List(ctx context.Context) ([]*models.Organization, error) {
	query := `SELECT ` + orgColumns + ` FROM organizations ORDER BY created_at, organization_name`
	var orgs []*models.Organization
	if err := r.db.SelectContext(ctx, &orgs, query); err != nil {
		return nil, classify("failed to list organizations", err)
	}
	return orgs, nil
}

// Insert creates a new organization
func (r *OrganizationRepository) Insert(ctx context.Context, org *models.Organization) error {
	query := `
		INSERT INTO organizations (organization_name, collection_name, admin_email, hashed_password, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`

	createdAt := org.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, query, org.Name, org.PartitionID, org.AdminEmail, org.CredentialHash, createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("organization %q: %w", org.Name, errs.ErrConflict)
		}
		return classify("failed to create organization", err)
	}
	return nil
}

// UpdateFields replaces the admin email and credential hash
func (r *OrganizationRepository) UpdateFields(ctx context.Context, name, email, credentialHash string) error {
	query := `
		UPDATE organizations
		SET admin_email = $2, hashed_password = $3, updated_at = NOW()
		WHERE organization_name = $1
	`

	res, err := r.db.ExecContext(ctx, query, name, email, credentialHash)
	if err != nil {
		return classify("failed to update organization", err)
	}
	return expectOneRow(res, name)
}

// Rename moves the row at oldName to a new identity in one statement
func (r *OrganizationRepository) Rename(ctx context.Context, oldName string, to registry.Identity) error {
	query := `
		UPDATE organizations
		SET organization_name = $2, collection_name = $3, admin_email = $4, hashed_password = $5, updated_at = NOW()
		WHERE organization_name = $1
	`

	res, err := r.db.ExecContext(ctx, query, oldName, to.Name, to.PartitionID, to.AdminEmail, to.CredentialHash)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("organization %q: %w", to.Name, errs.ErrConflict)
		}
		return classify("failed to rename organization", err)
	}
	return expectOneRow(res, oldName)
}

// Delete removes an organization
func (r *OrganizationRepository) Delete(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM organizations WHERE organization_name = $1`, name)
	if err != nil {
		return classify("failed to delete organization", err)
	}
	return expectOneRow(res, name)
}

// Ping checks the database connection
func (r *OrganizationRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return classify("failed to ping database", err)
	}
	return nil
}

func expectOneRow(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("organization %q: %w", name, errs.ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func classify(msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%s: %w: %w", msg, errs.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
