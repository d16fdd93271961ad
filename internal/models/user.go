package models

import (
	"slices"

	"github.com/google/uuid"
)

// Role names carried in access token claims
const (
	RoleAdmin   = "admin"
	RoleFinance = "finance"
)

// PayoutApproverRoles are the roles allowed to approve payouts and read review flags
var PayoutApproverRoles = []string{RoleAdmin, RoleFinance}

// Caller is the authenticated identity resolved from a bearer token.
// Users themselves live in the identity service.
type Caller struct {
	UserID uuid.UUID
	Email  string
	Roles  []string
}

// HasAnyRole reports whether the caller holds at least one of the given roles
func (c *Caller) HasAnyRole(roles ...string) bool {
	if c == nil {
		return false
	}
	for _, r := range roles {
		if slices.Contains(c.Roles, r) {
			return true
		}
	}
	return false
}
