package gate

import (
	"slices"
	"time"

	"agora.app/internal/claims"
)

// Scope picks the identity a rate rule counts against.
type Scope string

const (
	ScopeUser Scope = "uid"
	ScopeIP   Scope = "ip"
)

// RateRule admits at most Limit calls per Window for one key.
type RateRule struct {
	Name   string
	Limit  int
	Window time.Duration
	Scope  Scope
}

// Policy is declarative configuration for one protected operation. Zero
// fields impose nothing: an empty MinRole admits every role and a nil
// AllowedStatus admits every status. A non-nil empty AllowedStatus admits
// none.
type Policy struct {
	MinRole       claims.Role
	AllowedStatus []claims.Status
	RateLimits    []RateRule
}

func RequireRole(r claims.Role) Policy {
	return Policy{MinRole: r}
}

func RequireStatus(allowed ...claims.Status) Policy {
	return Policy{AllowedStatus: append([]claims.Status{}, allowed...)}
}

func RateLimit(rules ...RateRule) Policy {
	return Policy{RateLimits: append([]RateRule(nil), rules...)}
}

// Merge combines policies so that the result is at least as strict as each
// input. Status sets intersect; rate rules accumulate.
func Merge(policies ...Policy) Policy {
	var out Policy
	for _, p := range policies {
		if p.MinRole != "" {
			out.MinRole = stricterRole(out.MinRole, p.MinRole)
		}
		if p.AllowedStatus != nil {
			out.AllowedStatus = intersect(out.AllowedStatus, p.AllowedStatus)
		}
		out.RateLimits = append(out.RateLimits, p.RateLimits...)
	}
	return out
}

// stricterRole keeps an unknown role once seen so that a misconfigured
// policy denies everyone.
func stricterRole(a, b claims.Role) claims.Role {
	switch {
	case a == "":
		return b
	case !a.Valid():
		return a
	case !b.Valid() || b.Rank() > a.Rank():
		return b
	}
	return a
}

func intersect(acc, next []claims.Status) []claims.Status {
	if acc == nil {
		return append([]claims.Status{}, next...)
	}
	out := []claims.Status{}
	for _, s := range acc {
		if slices.Contains(next, s) {
			out = append(out, s)
		}
	}
	return out
}
