package domain

import (
	"strings"
)

// Role distinguishes the two referrer classes.
type Role string

const (
	RolePartner    Role = "partner"
	RoleAmbassador Role = "ambassador"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RolePartner || r == RoleAmbassador
}

// ParseRole normalises user input into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", New(ErrInvalidRole, "role must be partner or ambassador")
	}
	return r, nil
}

// Application statuses. Other values are accepted and stored verbatim.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDeclined = "declined"
)

// Code statuses.
const (
	CodePending  = "pending"
	CodeActive   = "active"
	CodeInactive = "inactive"
)

// Payout request statuses.
const (
	PayoutPending   = "pending"
	PayoutApproved  = "approved"
	PayoutCancelled = "cancelled"
)
