// Package org implements the organization endpoints: create, get, update and delete.
package org

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/org-partitions/org-service/internal/api/respond"
	"github.com/org-partitions/org-service/internal/auth"
	"github.com/org-partitions/org-service/internal/db/models"
	"github.com/org-partitions/org-service/internal/errs"
	"github.com/org-partitions/org-service/internal/lifecycle"
	"github.com/org-partitions/org-service/internal/middleware"
)

// Lifecycle is the subset of lifecycle.Manager the handlers use.
type Lifecycle interface {
	Create(ctx context.Context, name, email, password string) (*models.Organization, error)
	Get(ctx context.Context, name string) (*models.Organization, error)
	Update(ctx context.Context, currentName, newName, email, password string) (*models.Organization, error)
	Delete(ctx context.Context, name string) error
}

// OrganizationRequest is the body of create and update.
type OrganizationRequest struct {
	OrganizationName string `json:"organization_name" binding:"required"`
	Email            string `json:"email" binding:"required,email"`
	Password         string `json:"password" binding:"required,min=8"`
}

// OrganizationResponse is the public view of an organization.
type OrganizationResponse struct {
	OrganizationName string `json:"organization_name"`
	CollectionName   string `json:"collection_name"`
}

func toResponse(o *models.Organization) OrganizationResponse {
	return OrganizationResponse{OrganizationName: o.Name, CollectionName: o.PartitionID}
}

// OrganizationHandlers handles the /org endpoints
type OrganizationHandlers struct {
	lifecycle Lifecycle
}

// NewOrganizationHandlers creates a new OrganizationHandlers instance
func NewOrganizationHandlers(lc Lifecycle) *OrganizationHandlers {
	return &OrganizationHandlers{lifecycle: lc}
}

// bindOrganization decodes and validates a create/update body.
func bindOrganization(c *gin.Context) (*OrganizationRequest, bool) {
	var req OrganizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Validation(c, err)
		return nil, false
	}
	c.Set(middleware.AuditOrganizationKey, req.OrganizationName)
	if err := lifecycle.ValidateName(req.OrganizationName); err != nil {
		respond.Validation(c, err)
		return nil, false
	}
	return &req, true
}

// CreateOrganizationHandler registers an organization and its partition
// POST /org/create
func (h *OrganizationHandlers) CreateOrganizationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindOrganization(c)
		if !ok {
			return
		}

		o, err := h.lifecycle.Create(c.Request.Context(), req.OrganizationName, req.Email, req.Password)
		if err != nil {
			respond.Error(c, err)
			return
		}
		c.JSON(http.StatusCreated, toResponse(o))
	}
}

// GetOrganizationHandler looks up an organization by name
// GET /org/get?organization_name=
func (h *OrganizationHandlers) GetOrganizationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Query("organization_name")
		if name == "" {
			respond.Validation(c, fmt.Errorf("organization_name query parameter is required"))
			return
		}

		o, err := h.lifecycle.Get(c.Request.Context(), name)
		if err != nil {
			respond.Error(c, err)
			return
		}
		c.JSON(http.StatusOK, toResponse(o))
	}
}

// UpdateOrganizationHandler replaces the credentials of the caller's
// organization and renames it when organization_name differs from the token's
// PUT /org/update
func (h *OrganizationHandlers) UpdateOrganizationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindOrganization(c)
		if !ok {
			return
		}
		current, ok := h.authorizeOwner(c)
		if !ok {
			return
		}

		o, err := h.lifecycle.Update(c.Request.Context(), current, req.OrganizationName, req.Email, req.Password)
		if err != nil {
			respond.Error(c, err)
			return
		}
		c.JSON(http.StatusOK, toResponse(o))
	}
}

// DeleteOrganizationHandler deletes the caller's organization
// DELETE /org/delete?organization_name=
func (h *OrganizationHandlers) DeleteOrganizationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		current := c.GetString(middleware.OrgNameKey)
		if current == "" {
			respond.Error(c, errs.ErrUnauthenticated)
			return
		}
		name := c.Query("organization_name")
		if name == "" {
			respond.Validation(c, fmt.Errorf("organization_name query parameter is required"))
			return
		}
		if name != current {
			respond.Error(c, fmt.Errorf("delete %q: %w", name, errs.ErrForbidden))
			return
		}
		if _, ok := h.authorizeOwner(c); !ok {
			return
		}

		if err := h.lifecycle.Delete(c.Request.Context(), name); err != nil {
			respond.Error(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// authorizeOwner loads the organization the caller's token names and returns
// its name when the token belongs to that organization's current admin. A
// token minted before the organization was created is refused, so a name
// reused by a new organization does not honor tokens issued for the old one.
func (h *OrganizationHandlers) authorizeOwner(c *gin.Context) (string, bool) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		respond.Error(c, errs.ErrUnauthenticated)
		return "", false
	}
	o, err := h.lifecycle.Get(c.Request.Context(), claims.OrgName)
	if err != nil {
		respond.Error(c, err)
		return "", false
	}
	if !ownedBy(o, claims) {
		respond.Error(c, fmt.Errorf("organization %q: token not issued to its admin: %w", o.Name, errs.ErrForbidden))
		return "", false
	}
	return o.Name, true
}

func ownedBy(o *models.Organization, claims *auth.Claims) bool {
	if claims.Subject != o.AdminEmail {
		return false
	}
	// iat has second precision.
	if claims.IssuedAt != nil && claims.IssuedAt.Time.Before(o.CreatedAt.Truncate(time.Second)) {
		return false
	}
	return true
}
