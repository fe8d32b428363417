// Package claims models the two independent axes of a principal's state:
// its role (privilege) and its status (whether it may act at all).
//
// Everything here is pure. Persistence lives behind the store interfaces of
// the packages that need it.
package claims

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound             = errors.New("claims: not found")
	ErrUnknownRole          = errors.New("claims: unknown role")
	ErrUnknownStatus        = errors.New("claims: unknown status")
	ErrTransitionNotAllowed = errors.New("claims: status transition not allowed")
)

// DefaultGraceDays is the length of the grace window after account creation.
const DefaultGraceDays = 10

// Role is a closed, totally ordered privilege level.
type Role string

const (
	RoleSuperAdmin Role = "super-admin"
	RoleAdmin      Role = "admin"
	RoleModerator  Role = "moderator"
	RoleSupporter  Role = "supporter"
	RoleViewer     Role = "viewer"
	RoleRestricted Role = "restricted"
)

var roleRank = map[Role]int{
	RoleRestricted: 0,
	RoleViewer:     1,
	RoleSupporter:  2,
	RoleModerator:  3,
	RoleAdmin:      4,
	RoleSuperAdmin: 5,
}

// Roles lists every role from least to most privileged.
func Roles() []Role {
	return []Role{RoleRestricted, RoleViewer, RoleSupporter, RoleModerator, RoleAdmin, RoleSuperAdmin}
}

// ParseRole normalizes and validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := roleRank[r]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Rank returns the position of r in the hierarchy, or -1 for unknown roles.
func (r Role) Rank() int {
	rank, ok := roleRank[r]
	if !ok {
		return -1
	}
	return rank
}

// HasMinRole reports whether principal is at least as privileged as required.
// Unknown roles on either side never satisfy the check.
func HasMinRole(principal, required Role) bool {
	if !principal.Valid() || !required.Valid() {
		return false
	}
	return principal.Rank() >= required.Rank()
}

// Status governs whether a principal may act, independent of its role.
type Status string

const (
	StatusGrace     Status = "Grace"
	StatusVerified  Status = "Verified"
	StatusSuspended Status = "Suspended"
	StatusBanned    Status = "Banned"
	StatusDeleted   Status = "Deleted"
)

var statuses = []Status{StatusGrace, StatusVerified, StatusSuspended, StatusBanned, StatusDeleted}

// ParseStatus accepts any casing of a known status.
func ParseStatus(s string) (Status, error) {
	trimmed := strings.TrimSpace(s)
	for _, st := range statuses {
		if strings.EqualFold(string(st), trimmed) {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

// StatusAllowed is plain set membership.
func StatusAllowed(s Status, allowed []Status) bool {
	for _, a := range allowed {
		if a == s {
			return true
		}
	}
	return false
}

// transitions lists, per status, the statuses it may move to. Banned only
// moves to Deleted, and Deleted is terminal.
var transitions = map[Status][]Status{
	StatusGrace:     {StatusVerified, StatusSuspended, StatusBanned, StatusDeleted},
	StatusSuspended: {StatusVerified, StatusBanned, StatusDeleted},
	StatusVerified:  {StatusSuspended, StatusBanned, StatusDeleted},
	StatusBanned:    {StatusDeleted},
	StatusDeleted:   nil,
}

// CanTransition reports whether from may move to to. Staying put is always
// allowed so that idempotent writes do not fail.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	return StatusAllowed(to, transitions[from])
}

// GraceDeadline is the last instant at which a principal is still in grace.
func GraceDeadline(accountCreatedAt time.Time, graceDays int) time.Time {
	if graceDays <= 0 {
		graceDays = DefaultGraceDays
	}
	return accountCreatedAt.Add(time.Duration(graceDays) * 24 * time.Hour)
}

// InGraceWindow reports whether now <= accountCreatedAt + graceDays.
func InGraceWindow(accountCreatedAt, now time.Time, graceDays int) bool {
	return !now.After(GraceDeadline(accountCreatedAt, graceDays))
}

// Claims is the authoritative record kept per principal.
type Claims struct {
	UID              string
	Role             Role
	Status           Status
	KYCVerified      bool
	AccountCreatedAt time.Time
	ClaimsChangedAt  time.Time
}

// Defaults returns the least-privileged record for a principal the store has
// not seen yet.
func Defaults(uid string, createdAt time.Time) Claims {
	return Claims{
		UID:              uid,
		Role:             RoleViewer,
		Status:           StatusGrace,
		AccountCreatedAt: createdAt,
		ClaimsChangedAt:  createdAt,
	}
}

// EffectiveStatus derives the status the gate should enforce right now. A
// principal still marked Grace whose window lapsed without verification is
// treated as Suspended without waiting for any sweep to rewrite the record.
func (c Claims) EffectiveStatus(now time.Time, graceDays int) Status {
	if c.Status != StatusGrace || c.KYCVerified || c.AccountCreatedAt.IsZero() {
		return c.Status
	}
	if InGraceWindow(c.AccountCreatedAt, now, graceDays) {
		return StatusGrace
	}
	return StatusSuspended
}

// Principal is the admitted caller handed to protected operations.
type Principal struct {
	UID         string `json:"uid"`
	Role        Role   `json:"role"`
	Status      Status `json:"status"`
	KYCVerified bool   `json:"kycVerified"`
}

// Principal projects the record into what an operation sees.
func (c Claims) Principal() Principal {
	return Principal{UID: c.UID, Role: c.Role, Status: c.Status, KYCVerified: c.KYCVerified}
}
