package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"agora.app/internal/claims"
	"agora.app/internal/gate"
	"agora.app/internal/verification"
)

const (
	routeChallenge = "/v1/verification/challenge"
	routeVerify    = "/v1/verification/verify"
	routeResult    = "/v1/verification/result"
	routeApprove   = "/v1/admin/verification/:uid/approve"
	routeMe        = "/v1/me"
)

// Limit is a sliding-window allowance for one rate rule.
type Limit struct {
	Max    int
	Window time.Duration
}

type Limits struct {
	ChallengePerUser Limit
	ChallengePerIP   Limit
	VerifyPerUser    Limit
	VerifyPerIP      Limit
}

// Policies holds the gate policy of every protected route.
type Policies struct {
	Challenge gate.Policy
	Verify    gate.Policy
	Result    gate.Policy
	Admin     gate.Policy
	Me        gate.Policy
}

func (p Policies) isZero() bool {
	for _, pol := range []gate.Policy{p.Challenge, p.Verify, p.Result, p.Admin, p.Me} {
		if pol.MinRole != "" || pol.AllowedStatus != nil || len(pol.RateLimits) > 0 {
			return false
		}
	}
	return true
}

func NewPolicies(l Limits) Policies {
	verifying := gate.RequireStatus(claims.StatusGrace, claims.StatusVerified)
	return Policies{
		Challenge: gate.Merge(verifying, gate.RateLimit(
			gate.RateRule{Name: "challenge", Limit: l.ChallengePerUser.Max, Window: l.ChallengePerUser.Window, Scope: gate.ScopeUser},
			gate.RateRule{Name: "challenge", Limit: l.ChallengePerIP.Max, Window: l.ChallengePerIP.Window, Scope: gate.ScopeIP},
		)),
		Verify: gate.Merge(verifying, gate.RateLimit(
			gate.RateRule{Name: "verify", Limit: l.VerifyPerUser.Max, Window: l.VerifyPerUser.Window, Scope: gate.ScopeUser},
			gate.RateRule{Name: "verify", Limit: l.VerifyPerIP.Max, Window: l.VerifyPerIP.Window, Scope: gate.ScopeIP},
		)),
		Result: gate.RequireStatus(claims.StatusGrace, claims.StatusVerified, claims.StatusSuspended),
		Admin:  gate.Merge(gate.RequireRole(claims.RoleAdmin), gate.RequireStatus(claims.StatusVerified)),
		Me:     gate.Policy{},
	}
}

func DefaultPolicies() Policies {
	return NewPolicies(Limits{
		ChallengePerUser: Limit{Max: 5, Window: time.Minute},
		ChallengePerIP:   Limit{Max: 60, Window: time.Minute},
		VerifyPerUser:    Limit{Max: 10, Window: time.Minute},
		VerifyPerIP:      Limit{Max: 60, Window: time.Minute},
	})
}

func (a *API) mountVerification(r chi.Router) {
	pol := a.opts.Policies
	r.Post(routeChallenge, a.protect(routeChallenge, pol.Challenge, a.issueChallenge))
	r.Post(routeVerify, a.protect(routeVerify, pol.Verify, a.verifyProof))
	r.Get(routeResult, a.protect(routeResult, pol.Result, a.getResult))
	r.Post("/v1/admin/verification/{uid}/approve", a.protect(routeApprove, pol.Admin, a.adminApprove))
	r.Get(routeMe, a.protect(routeMe, pol.Me, a.me))
}

func (a *API) issueChallenge(w http.ResponseWriter, r *http.Request, p claims.Principal) {
	view, err := a.verification.IssueChallenge(r.Context(), p.UID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (a *API) verifyProof(w http.ResponseWriter, r *http.Request, p claims.Principal) {
	var proof verification.Proof
	if err := decodeJSON(r, &proof); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := a.verification.VerifyProof(r.Context(), p.UID, proof)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getResult(w http.ResponseWriter, r *http.Request, p claims.Principal) {
	res, err := a.verification.GetResult(r.Context(), p.UID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) adminApprove(w http.ResponseWriter, r *http.Request, p claims.Principal) {
	out, err := a.verification.AdminApprove(r.Context(), p, chi.URLParam(r, "uid"))
	if errors.Is(err, verification.ErrNotFound) {
		writeNotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) me(w http.ResponseWriter, _ *http.Request, p claims.Principal) {
	writeJSON(w, http.StatusOK, p)
}
