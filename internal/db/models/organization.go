// Package models - organization.go defines the Organization record kept in the
// registry: one per tenant, mapping the display name to the tenant's partition
// and holding the administrator credentials.
package models

import "time"

// Organization is the registry record of a tenant.
//
// Name is unique and only changes through a rename. PartitionID is always the
// sanitized form of Name and is unique as well. CredentialHash is an opaque
// one-way hash and is never serialized to API responses.
type Organization struct {
	Name           string    `bson:"organization_name" json:"organization_name" db:"organization_name"`
	PartitionID    string    `bson:"collection_name" json:"collection_name" db:"collection_name"`
	AdminEmail     string    `bson:"admin_email" json:"admin_email" db:"admin_email"`
	CredentialHash string    `bson:"hashed_password" json:"-" db:"hashed_password"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at" json:"updated_at" db:"updated_at"`
}

// Clone returns a copy of o so callers cannot mutate a backend's stored record.
func (o *Organization) Clone() *Organization {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}
