package claims

import "fmt"

// Update is a partial claims write with merge semantics: nil fields keep the
// stored value. RequireStatus, when set, is a precondition on the current
// status checked in the same atomic step as the write.
type Update struct {
	Role          *Role
	Status        *Status
	KYCVerified   *bool
	RequireStatus []Status
}

// Validate rejects unknown enum values before anything touches a store.
func (u Update) Validate() error {
	if u.Role != nil && !u.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownRole, *u.Role)
	}
	if u.Status != nil && !u.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, *u.Status)
	}
	return nil
}

// Apply merges u into current. It returns the merged record and whether any
// field changed. ClaimsChangedAt is left for the caller to bump so that every
// store stamps it from the same clock it writes with.
func (u Update) Apply(current Claims) (Claims, bool, error) {
	if err := u.Validate(); err != nil {
		return current, false, err
	}
	if len(u.RequireStatus) > 0 && !StatusAllowed(current.Status, u.RequireStatus) {
		return current, false, fmt.Errorf("%w: current status %s", ErrTransitionNotAllowed, current.Status)
	}
	next := current
	if u.Role != nil {
		next.Role = *u.Role
	}
	if u.Status != nil {
		if !CanTransition(current.Status, *u.Status) {
			return current, false, fmt.Errorf("%w: %s -> %s", ErrTransitionNotAllowed, current.Status, *u.Status)
		}
		next.Status = *u.Status
	}
	if u.KYCVerified != nil {
		next.KYCVerified = *u.KYCVerified
	}
	changed := next.Role != current.Role || next.Status != current.Status || next.KYCVerified != current.KYCVerified
	return next, changed, nil
}

// Promotion is the write that marks a principal as a verified person. It is
// shared by the user-driven and administrative paths and is a no-op for a
// principal already promoted.
func Promotion() Update {
	verified := StatusVerified
	yes := true
	return Update{
		Status:        &verified,
		KYCVerified:   &yes,
		RequireStatus: []Status{StatusGrace, StatusSuspended, StatusVerified},
	}
}
