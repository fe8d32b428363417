package verification_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora.app/internal/claims"
	"agora.app/internal/store/memory"
	"agora.app/internal/verification"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeVerifier struct {
	approve  bool
	reason   string
	delay    time.Duration
	startErr error
	submits  atomic.Int32

	mu   sync.Mutex
	last verification.ProofRequest
}

func (f *fakeVerifier) StartSession(_ context.Context, uid, challengeID string) (verification.Session, error) {
	if f.startErr != nil {
		return verification.Session{}, f.startErr
	}
	return verification.Session{
		SessionID:       "sess-" + challengeID,
		VerificationURL: "https://verify.example/s/" + challengeID,
	}, nil
}

func (f *fakeVerifier) SubmitProof(ctx context.Context, req verification.ProofRequest) (verification.Verdict, error) {
	f.submits.Add(1)
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return verification.Verdict{}, ctx.Err()
		}
	}
	return verification.Verdict{Approved: f.approve, Reason: f.reason}, nil
}

type fixture struct {
	svc   *verification.Service
	store *memory.Store
	clock *clock
	fv    *fakeVerifier
}

func newFixture(t *testing.T, fv *fakeVerifier, opts ...verification.Option) fixture {
	t.Helper()
	st := memory.New()
	clk := &clock{now: t0}
	var pv verification.ProofVerifier
	if fv != nil {
		pv = fv
	}
	opts = append([]verification.Option{
		verification.WithClock(clk.Now),
		verification.WithHashKey([]byte("test-hash-key")),
	}, opts...)
	svc, err := verification.NewService(st, st, st, pv, opts...)
	require.NoError(t, err)
	require.NoError(t, st.PutClaims(context.Background(), claims.Defaults("u1", t0)))
	return fixture{svc: svc, store: st, clock: clk, fv: fv}
}

func (f fixture) claims(t *testing.T, uid string) claims.Claims {
	t.Helper()
	c, err := f.store.GetClaims(context.Background(), uid)
	require.NoError(t, err)
	return c
}

func (f fixture) attempts(t *testing.T, uid string) []verification.Attempt {
	t.Helper()
	list, err := f.store.Attempts(context.Background(), uid)
	require.NoError(t, err)
	return list
}

func proofFor(v verification.ChallengeView) verification.Proof {
	return verification.Proof{ChallengeID: v.ChallengeID, ChallengeSecret: v.ChallengeSecret, Payload: map[string]any{"evidence": "selfie-ref"}}
}

func TestScenarioHappyPath(t *testing.T) {
	f := newFixture(t, &fakeVerifier{approve: true})
	ctx := context.Background()

	view, err := f.svc.IssueChallenge(ctx, "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, view.ChallengeID)
	assert.NotEmpty(t, view.ChallengeSecret)
	assert.Equal(t, "sess-"+view.ChallengeID, view.SessionID)
	assert.Equal(t, t0.Add(verification.DefaultChallengeTTL).UnixMilli(), view.ExpiresAtMs)
	assert.Contains(t, view.VerificationURL, view.ChallengeID)

	f.clock.Advance(30 * time.Second)
	out, err := f.svc.VerifyProof(ctx, "u1", proofFor(view))
	require.NoError(t, err)
	assert.True(t, out.Approved)
	assert.Equal(t, verification.SourceCloud, out.Source)
	assert.Equal(t, verification.ReasonApproved, out.Reason)

	c := f.claims(t, "u1")
	assert.Equal(t, claims.StatusVerified, c.Status)
	assert.True(t, c.KYCVerified)
	assert.Equal(t, t0.Add(30*time.Second), c.ClaimsChangedAt)

	list := f.attempts(t, "u1")
	require.Len(t, list, 1)
	assert.Equal(t, view.ChallengeID, list[0].ChallengeID)
	assert.Equal(t, verification.SourceCloud, list[0].Source)

	res, err := f.svc.GetResult(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.True(t, res.KYCVerified)
	assert.Equal(t, verification.SourceCloud, res.Provider)
	require.NotNil(t, res.VerifiedAt)
	assert.Equal(t, t0.Add(30*time.Second), *res.VerifiedAt)

	f.fv.mu.Lock()
	assert.Equal(t, view.SessionID, f.fv.last.SessionID)
	assert.Equal(t, "selfie-ref", f.fv.last.Payload["evidence"])
	f.fv.mu.Unlock()
}

func TestSecretIsNotPersisted(t *testing.T) {
	f := newFixture(t, &fakeVerifier{approve: true})
	view, err := f.svc.IssueChallenge(context.Background(), "u1")
	require.NoError(t, err)

	stored, err := f.store.GetChallenge(context.Background(), view.ChallengeID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Hash)
	assert.NotContains(t, stored.Hash, view.ChallengeSecret)
	assert.Equal(t, verification.ChallengeIssued, stored.Status)
}

func TestClientApprovalFlagIsIgnored(t *testing.T) {
	f := newFixture(t, &fakeVerifier{approve: false, reason: "face_mismatch"})
	ctx := context.Background()
	view, err := f.svc.IssueChallenge(ctx, "u1")
	require.NoError(t, err)

	p := proofFor(view)
	p.Payload["approved"] = true
	out, err := f.svc.VerifyProof(ctx, "u1", p)
	require.NoError(t, err)
	assert.False(t, out.Approved)
	assert.Equal(t, "face_mismatch", out.Reason)
	assert.False(t, f.claims(t, "u1").KYCVerified)
}

func TestChallengeConsumedOnce(t *testing.T) {
	f := newFixture(t, &fakeVerifier{approve: true})
	ctx := context.Background()
	view, err := f.svc.IssueChallenge(ctx, "u1")
	require.NoError(t, err)

	_, err = f.svc.VerifyProof(ctx, "u1", proofFor(view))
	require.NoError(t, err)
	_, err = f.svc.VerifyProof(ctx, "u1", proofFor(view))
	assert.ErrorIs(t, err, verification.ErrChallengeInvalid)

	assert.Len(t, f.attempts(t, "u1"), 1)
	assert.Equal(t, int32(1), f.fv.submits.Load())
}

func TestConcurrentSubmissionsConsumeOnce(t *testing.T) {
	f := newFixture(t, &fakeVerifier{approve: true})
	ctx := context.Background()
	view, err := f.svc.IssueChallenge(ctx, "u1")
	require.NoError(t, err)

	var ok, invalid atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.VerifyProof(ctx, "u1", proofFor(view))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, verification.ErrChallengeInvalid):
				invalid.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(11), invalid.Load())
	assert.Len(t, f.attempts(t, "u1"), 1)
}

func TestExpiredChallenge(t *testing.T) {
	f := newFixture(t, &fakeVerifier{approve: true}, verification.WithChallengeTTL(time.Minute))
	ctx := context.Background()
	view, err := f.svc.IssueChallenge(ctx, "u1")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.svc.VerifyProof(ctx, "u1", proofFor(view))
	assert.ErrorIs(t, err, verification.ErrChallengeExpired)

	bad := proofFor(view)
	bad.ChallengeSecret = "wrong"
	_, err = f.svc.VerifyProof(ctx, "u1", bad)
	assert.ErrorIs(t, err, verification.ErrChallengeInvalid, "a wrong secret is invalid, expired or not")

	assert.Empty(t, f.attempts(t, "u1"))
	assert.Equal(t, int32(0), f.fv.submits.Load())
}

func TestInvalidChallengeReferences(t *testing.T) {
	f := newFixture(t, &fakeVerifier{approve: true})
	ctx := context.Background()
	view, err := f.svc.IssueChallenge(ctx, "u1")
	require.NoError(t, err)

	cases := map[string]struct {
		uid   string
		proof verification.Proof
	}{
		"unknown id":   {"u1", verification.Proof{ChallengeID: "nope", ChallengeSecret: view.ChallengeSecret}},
		"wrong secret": {"u1", verification.Proof{ChallengeID: view.ChallengeID, ChallengeSecret: view.ChallengeSecret + "x"}},
		"other owner":  {"u2", proofFor(view)},
		"empty secret": {"u1", verification.Proof{ChallengeID: view.ChallengeID}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.VerifyProof(ctx, tc.uid, tc.proof)
			assert.ErrorIs(t, err, verification.ErrChallengeInvalid)
		})
	}

	// none of the failures burned the challenge
	out, err := f.svc.VerifyProof(ctx, "u1", proofFor(view))
	require.NoError(t, err)
	assert.True(t, out.Approved)
}

func TestScenarioVerifierTimeout(t *testing.T) {
	f := newFixture(t, &fakeVerifier{approve: true, delay: 5 * time.Second},
		verification.WithVerifierTimeout(20*time.Millisecond))
	ctx := context.Background()
	view, err := f.svc.IssueChallenge(ctx, "u1")
	require.NoError(t, err)

	start := time.Now()
	out, err := f.svc.VerifyProof(ctx, "u1", proofFor(view))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, out.Approved)
	assert.Equal(t, verification.ReasonCloudUnavailable, out.Reason)
	assert.Equal(t, verification.SourceUnavailable, out.Source)

	list := f.attempts(t, "u1")
	require.Len(t, list, 1)
	assert.Equal(t, verification.SourceUnavailable, list[0].Source)
	assert.False(t, list[0].Approved)

	c := f.claims(t, "u1")
	assert.Equal(t, claims.StatusGrace, c.Status)
	assert.False(t, c.KYCVerified)
	assert.Equal(t, t0, c.ClaimsChangedAt)
}

func TestDevFallback(t *testing.T) {
	f := newFixture(t, nil, verification.WithDevFallback(true, "development"))
	require.True(t, f.svc.DevFallbackEnabled())
	ctx := context.Background()

	view, err := f.svc.IssueChallenge(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(view.SessionID, "dev-"))

	out, err := f.svc.VerifyProof(ctx, "u1", proofFor(view))
	require.NoError(t, err)
	assert.True(t, out.Approved)
	assert.Equal(t, verification.SourceDevFallback, out.Source)
	assert.True(t, f.claims(t, "u1").KYCVerified)
}

func TestDevFallbackNeverInProduction(t *testing.T) {
	f := newFixture(t, nil, verification.WithDevFallback(true, "Production"))
	assert.False(t, f.svc.DevFallbackEnabled())

	_, err := f.svc.IssueChallenge(context.Background(), "u1")
	assert.ErrorIs(t, err, verification.ErrVerifierUnavailable)
}

func TestIssueFailsWhenSessionCannotStart(t *testing.T) {
	f := newFixture(t, &fakeVerifier{startErr: errors.New("dial tcp: refused")})
	_, err := f.svc.IssueChallenge(context.Background(), "u1")
	assert.ErrorIs(t, err, verification.ErrVerifierUnavailable)
}

func TestAdminApproveIsIdempotent(t *testing.T) {
	f := newFixture(t, &fakeVerifier{})
	ctx := context.Background()
	admin := claims.Principal{UID: "a1", Role: claims.RoleAdmin, Status: claims.StatusVerified}

	out, err := f.svc.AdminApprove(ctx, admin, "u1")
	require.NoError(t, err)
	assert.True(t, out.Approved)
	assert.Equal(t, verification.SourceAdmin, out.Source)
	first := f.claims(t, "u1")
	assert.Equal(t, claims.StatusVerified, first.Status)
	assert.True(t, first.KYCVerified)

	f.clock.Advance(time.Hour)
	_, err = f.svc.AdminApprove(ctx, admin, "u1")
	require.NoError(t, err)
	assert.Equal(t, first, f.claims(t, "u1"))

	list := f.attempts(t, "u1")
	require.Len(t, list, 2)
	for _, a := range list {
		assert.Equal(t, verification.SourceAdmin, a.Source)
		assert.Equal(t, "a1", a.ActorUID)
	}
	assert.Equal(t, int32(0), f.fv.submits.Load())
}

func TestUserAndAdminApprovalShareThePromotion(t *testing.T) {
	f := newFixture(t, &fakeVerifier{approve: true})
	ctx := context.Background()
	view, err := f.svc.IssueChallenge(ctx, "u1")
	require.NoError(t, err)
	_, err = f.svc.VerifyProof(ctx, "u1", proofFor(view))
	require.NoError(t, err)
	promoted := f.claims(t, "u1")

	f.clock.Advance(time.Minute)
	_, err = f.svc.AdminApprove(ctx, claims.Principal{UID: "a1", Role: claims.RoleSuperAdmin, Status: claims.StatusVerified}, "u1")
	require.NoError(t, err)
	assert.Equal(t, promoted, f.claims(t, "u1"))
	assert.Len(t, f.attempts(t, "u1"), 2)
}

func TestAdminApprovePreconditions(t *testing.T) {
	f := newFixture(t, &fakeVerifier{})
	ctx := context.Background()

	_, err := f.svc.AdminApprove(ctx, claims.Principal{UID: "m1", Role: claims.RoleModerator, Status: claims.StatusVerified}, "u1")
	assert.ErrorIs(t, err, verification.ErrForbidden)
	_, err = f.svc.AdminApprove(ctx, claims.Principal{UID: "a1", Role: claims.RoleAdmin, Status: claims.StatusGrace}, "u1")
	assert.ErrorIs(t, err, verification.ErrForbidden)
	_, err = f.svc.AdminApprove(ctx, claims.Principal{UID: "a1", Role: claims.RoleAdmin, Status: claims.StatusVerified}, "ghost")
	assert.ErrorIs(t, err, verification.ErrNotFound)

	assert.Empty(t, f.attempts(t, "u1"))
}

func TestSuspendedPrincipalCanBeApproved(t *testing.T) {
	f := newFixture(t, &fakeVerifier{})
	ctx := context.Background()
	rec := claims.Defaults("u2", t0.Add(-30*24*time.Hour))
	rec.Status = claims.StatusSuspended
	require.NoError(t, f.store.PutClaims(ctx, rec))

	out, err := f.svc.AdminApprove(ctx, claims.Principal{UID: "a1", Role: claims.RoleAdmin, Status: claims.StatusVerified}, "u2")
	require.NoError(t, err)
	assert.True(t, out.Approved)
	assert.Equal(t, claims.StatusVerified, f.claims(t, "u2").Status)
}

func TestBannedPrincipalIsNotPromoted(t *testing.T) {
	f := newFixture(t, &fakeVerifier{})
	ctx := context.Background()
	rec := claims.Defaults("u3", t0)
	rec.Status = claims.StatusBanned
	require.NoError(t, f.store.PutClaims(ctx, rec))

	out, err := f.svc.AdminApprove(ctx, claims.Principal{UID: "a1", Role: claims.RoleAdmin, Status: claims.StatusVerified}, "u3")
	require.NoError(t, err)
	assert.False(t, out.Approved)
	assert.Equal(t, verification.ReasonStatusNotEligible, out.Reason)
	assert.Equal(t, claims.StatusBanned, f.claims(t, "u3").Status)
	assert.Len(t, f.attempts(t, "u3"), 1)
}

func TestGetResultIsReadOnly(t *testing.T) {
	f := newFixture(t, &fakeVerifier{})
	ctx := context.Background()

	res, err := f.svc.GetResult(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, "no_decision", res.Reason)
	assert.Equal(t, claims.StatusGrace, res.Status)
	assert.Nil(t, res.VerifiedAt)

	res, err = f.svc.GetResult(ctx, "stranger")
	require.NoError(t, err)
	assert.False(t, res.KYCVerified)
	_, err = f.store.GetClaims(ctx, "stranger")
	assert.ErrorIs(t, err, claims.ErrNotFound)
	assert.Empty(t, f.attempts(t, "u1"))
}

func TestClampTTL(t *testing.T) {
	assert.Equal(t, verification.MinChallengeTTL, verification.ClampTTL(10*time.Second))
	assert.Equal(t, verification.MaxChallengeTTL, verification.ClampTTL(2*time.Hour))
	assert.Equal(t, verification.DefaultChallengeTTL, verification.ClampTTL(0))
	assert.Equal(t, 5*time.Minute, verification.ClampTTL(5*time.Minute))

	f := newFixture(t, &fakeVerifier{}, verification.WithChallengeTTL(time.Second))
	view, err := f.svc.IssueChallenge(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute).UnixMilli(), view.ExpiresAtMs)
}

type failingLog struct{ verification.AttemptLog }

func (failingLog) AppendAttempt(context.Context, verification.Attempt) error {
	return errors.New("attempt log down")
}

func TestApprovalIsNotPromotedWithoutAttempt(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.PutClaims(ctx, claims.Defaults("u1", t0)))
	require.NoError(t, st.PutClaims(ctx, claims.Defaults("u2", t0)))
	svc, err := verification.NewService(st, failingLog{st}, st, &fakeVerifier{approve: true},
		verification.WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)

	view, err := svc.IssueChallenge(ctx, "u1")
	require.NoError(t, err)
	_, err = svc.VerifyProof(ctx, "u1", proofFor(view))
	require.ErrorContains(t, err, "attempt log down")

	_, err = svc.AdminApprove(ctx, claims.Principal{UID: "a1", Role: claims.RoleAdmin, Status: claims.StatusVerified}, "u2")
	require.ErrorContains(t, err, "attempt log down")

	for _, uid := range []string{"u1", "u2"} {
		c, err := st.GetClaims(ctx, uid)
		require.NoError(t, err)
		assert.Equal(t, claims.StatusGrace, c.Status, uid)
		assert.False(t, c.KYCVerified, uid)
	}
}

// refusingClaims reads the stored record but refuses every write, as if the
// status changed between the read and the write.
type refusingClaims struct{ verification.ClaimsStore }

func (refusingClaims) UpdateClaims(context.Context, string, claims.Update, time.Time) (claims.Claims, bool, error) {
	return claims.Claims{}, false, claims.ErrTransitionNotAllowed
}

func TestPromotionRefusedAfterApprovalRecordsRefusal(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.PutClaims(ctx, claims.Defaults("u1", t0)))
	svc, err := verification.NewService(st, st, refusingClaims{st}, &fakeVerifier{approve: true},
		verification.WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)

	view, err := svc.IssueChallenge(ctx, "u1")
	require.NoError(t, err)
	out, err := svc.VerifyProof(ctx, "u1", proofFor(view))
	require.NoError(t, err)
	assert.False(t, out.Approved)
	assert.Equal(t, verification.ReasonStatusNotEligible, out.Reason)

	list, err := st.Attempts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].Approved)
	assert.False(t, list[1].Approved)

	res, err := svc.GetResult(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, verification.ReasonStatusNotEligible, res.Reason)
}

func TestVerdictReasonKeepsValidUTF8(t *testing.T) {
	f := newFixture(t, &fakeVerifier{approve: false, reason: strings.Repeat("a", 127) + "é"})
	ctx := context.Background()

	view, err := f.svc.IssueChallenge(ctx, "u1")
	require.NoError(t, err)
	out, err := f.svc.VerifyProof(ctx, "u1", proofFor(view))
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(out.Reason))
	assert.Equal(t, strings.Repeat("a", 127), out.Reason)

	list := f.attempts(t, "u1")
	require.Len(t, list, 1)
	assert.Equal(t, out.Reason, list[0].Reason)
}

func TestGetResultReportsLapsedGraceAsSuspended(t *testing.T) {
	f := newFixture(t, &fakeVerifier{}, verification.WithGraceDays(3))
	ctx := context.Background()

	res, err := f.svc.GetResult(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, claims.StatusGrace, res.Status)

	f.clock.Advance(4 * 24 * time.Hour)
	res, err = f.svc.GetResult(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, claims.StatusSuspended, res.Status)
	assert.Equal(t, claims.StatusGrace, f.claims(t, "u1").Status)
}
