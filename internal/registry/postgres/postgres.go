// Package postgres registers the PostgreSQL organization registry, backed by
// repositories.OrganizationRepository and the embedded schema migrations.
package postgres

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/org-partitions/org-service/internal/db/repositories"
	"github.com/org-partitions/org-service/internal/registry"
)

func init() {
	registry.Register("postgres", func(deps registry.Deps) (registry.Registry, error) {
		if deps.DB == nil {
			return nil, fmt.Errorf("postgres registry backend requires a database connection")
		}
		return repositories.NewOrganizationRepository(sqlx.NewDb(deps.DB, "postgres")), nil
	})
}
