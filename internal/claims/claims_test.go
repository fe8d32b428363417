package claims

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasMinRoleMonotonic(t *testing.T) {
	roles := Roles()
	for i, held := range roles {
		for j, required := range roles {
			want := i >= j
			assert.Equal(t, want, HasMinRole(held, required), "held=%s required=%s", held, required)
		}
	}
}

func TestHasMinRoleUnknown(t *testing.T) {
	assert.False(t, HasMinRole("root", RoleViewer))
	assert.False(t, HasMinRole(RoleSuperAdmin, "root"))
}

func TestParseRoleAndStatus(t *testing.T) {
	r, err := ParseRole("  Super-Admin ")
	require.NoError(t, err)
	assert.Equal(t, RoleSuperAdmin, r)

	_, err = ParseRole("owner")
	assert.True(t, errors.Is(err, ErrUnknownRole))

	s, err := ParseStatus("verified")
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, s)

	_, err = ParseStatus("pending")
	assert.True(t, errors.Is(err, ErrUnknownStatus))
}

func TestStatusAllowed(t *testing.T) {
	allowed := []Status{StatusGrace, StatusVerified}
	assert.True(t, StatusAllowed(StatusGrace, allowed))
	assert.False(t, StatusAllowed(StatusSuspended, allowed))
	assert.False(t, StatusAllowed(StatusGrace, nil))
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusGrace, StatusVerified, true},
		{StatusGrace, StatusSuspended, true},
		{StatusSuspended, StatusVerified, true},
		{StatusVerified, StatusBanned, true},
		{StatusVerified, StatusGrace, false},
		{StatusBanned, StatusVerified, false},
		{StatusBanned, StatusSuspended, false},
		{StatusBanned, StatusDeleted, true},
		{StatusDeleted, StatusVerified, false},
		{StatusDeleted, StatusDeleted, true},
		{StatusVerified, StatusVerified, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestInGraceWindow(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	deadline := created.Add(10 * 24 * time.Hour)

	assert.True(t, InGraceWindow(created, created, DefaultGraceDays))
	assert.True(t, InGraceWindow(created, deadline, DefaultGraceDays))
	assert.False(t, InGraceWindow(created, deadline.Add(time.Nanosecond), DefaultGraceDays))
	assert.True(t, InGraceWindow(created, created.Add(48*time.Hour), 3))
	assert.False(t, InGraceWindow(created, created.Add(73*time.Hour), 3))
}

func TestEffectiveStatus(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lapsed := created.Add(11 * 24 * time.Hour)

	c := Defaults("u1", created)
	assert.Equal(t, StatusGrace, c.EffectiveStatus(created.Add(time.Hour), DefaultGraceDays))
	assert.Equal(t, StatusSuspended, c.EffectiveStatus(lapsed, DefaultGraceDays))

	c.KYCVerified = true
	assert.Equal(t, StatusGrace, c.EffectiveStatus(lapsed, DefaultGraceDays))

	v := Claims{UID: "u2", Role: RoleViewer, Status: StatusVerified, AccountCreatedAt: created}
	assert.Equal(t, StatusVerified, v.EffectiveStatus(lapsed, DefaultGraceDays))
}

func TestUpdateApply(t *testing.T) {
	base := Defaults("u1", time.Now())

	next, changed, err := Promotion().Apply(base)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusVerified, next.Status)
	assert.True(t, next.KYCVerified)

	again, changed, err := Promotion().Apply(next)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, next, again)

	banned := base
	banned.Status = StatusBanned
	_, _, err = Promotion().Apply(banned)
	assert.True(t, errors.Is(err, ErrTransitionNotAllowed))

	bogus := Role("owner")
	_, _, err = Update{Role: &bogus}.Apply(base)
	assert.True(t, errors.Is(err, ErrUnknownRole))

	grace := StatusGrace
	_, _, err = Update{Status: &grace}.Apply(next)
	assert.True(t, errors.Is(err, ErrTransitionNotAllowed))
}
