// Package verification runs the challenge-response protocol that proves a
// human completed an out-of-band personhood check, and promotes the
// principal's claims when the check succeeds.
package verification

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"agora.app/internal/audit"
	"agora.app/internal/claims"
	"agora.app/internal/ids"
	"agora.app/internal/obs"
)

type Service struct {
	challenges ChallengeStore
	attempts   AttemptLog
	claims     ClaimsStore
	verifier   ProofVerifier

	ttl             time.Duration
	verifierTimeout time.Duration
	devFallback     bool
	hashKey         []byte
	graceDays       int
	now             func() time.Time
	logger          *zap.Logger
}

type Option func(*Service)

// WithChallengeTTL sets the challenge lifetime, clamped to [60s, 3600s].
func WithChallengeTTL(d time.Duration) Option {
	return func(s *Service) { s.ttl = ClampTTL(d) }
}

func WithVerifierTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.verifierTimeout = d
		}
	}
}

// WithDevFallback enables synthetic approval when no verifier answers. It is
// ignored in production.
func WithDevFallback(enabled bool, environment string) Option {
	return func(s *Service) {
		s.devFallback = enabled && !strings.EqualFold(strings.TrimSpace(environment), "production")
	}
}

// WithHashKey keys the challenge digest so that a leaked table cannot be
// checked offline without the key.
func WithHashKey(key []byte) Option {
	return func(s *Service) {
		if len(key) > blake2b.Size {
			sum := blake2b.Sum256(key)
			key = sum[:]
		}
		s.hashKey = append([]byte(nil), key...)
	}
}

// WithGraceDays sets the grace window used to report the effective status.
func WithGraceDays(days int) Option {
	return func(s *Service) {
		if days > 0 {
			s.graceDays = days
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// ClampTTL bounds a challenge lifetime. Zero selects the default.
func ClampTTL(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultChallengeTTL
	case d < MinChallengeTTL:
		return MinChallengeTTL
	case d > MaxChallengeTTL:
		return MaxChallengeTTL
	}
	return d
}

// NewService wires the protocol. verifier may be nil, in which case every
// proof resolves as unavailable unless the dev fallback is enabled.
func NewService(challenges ChallengeStore, attempts AttemptLog, claimsStore ClaimsStore, verifier ProofVerifier, opts ...Option) (*Service, error) {
	if challenges == nil || attempts == nil || claimsStore == nil {
		return nil, errors.New("verification: challenge, attempt and claims stores are required")
	}
	s := &Service{
		challenges:      challenges,
		attempts:        attempts,
		claims:          claimsStore,
		verifier:        verifier,
		ttl:             DefaultChallengeTTL,
		verifierTimeout: defaultVerifierTimeout,
		graceDays:       claims.DefaultGraceDays,
		now:             time.Now,
		logger:          obs.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DevFallbackEnabled reports whether synthetic approvals are possible.
func (s *Service) DevFallbackEnabled() bool { return s.devFallback }

// IssueChallenge mints a challenge for uid, opens the external session bound
// to it and returns the only copy of the secret.
func (s *Service) IssueChallenge(ctx context.Context, uid string) (ChallengeView, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return ChallengeView{}, ErrInvalidInput
	}
	id, err := ids.Secret(challengeIDBytes)
	if err != nil {
		return ChallengeView{}, err
	}
	secret, err := ids.Secret(challengeSecretBytes)
	if err != nil {
		return ChallengeView{}, err
	}

	session, err := s.startSession(ctx, uid, id)
	if err != nil {
		return ChallengeView{}, err
	}

	now := s.now()
	ch := Challenge{
		ID:        id,
		UID:       uid,
		Hash:      s.digest(secret),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		Status:    ChallengeIssued,
		SessionID: session.SessionID,
	}
	if err := s.challenges.PutChallenge(ctx, ch); err != nil {
		return ChallengeView{}, fmt.Errorf("verification: store challenge: %w", err)
	}

	_ = audit.LogEvent(audit.WithActor(ctx, uid), "verification.challenge_issued", map[string]any{
		"challenge_id":  id,
		"session_id":    session.SessionID,
		"expires_at_ms": ch.ExpiresAtMs(),
	})
	return ChallengeView{
		ChallengeID:     id,
		ChallengeSecret: secret,
		ExpiresAtMs:     ch.ExpiresAtMs(),
		VerificationURL: session.VerificationURL,
		SessionID:       session.SessionID,
	}, nil
}

func (s *Service) startSession(ctx context.Context, uid, challengeID string) (Session, error) {
	if s.verifier != nil {
		cctx, cancel := context.WithTimeout(ctx, s.verifierTimeout)
		session, err := s.verifier.StartSession(cctx, uid, challengeID)
		cancel()
		if err == nil {
			return session, nil
		}
		s.logger.Warn("verification: start session failed", zap.String("challenge_id", challengeID), zap.Error(err))
	}
	if s.devFallback {
		return Session{SessionID: "dev-" + challengeID}, nil
	}
	return Session{}, ErrVerifierUnavailable
}

// VerifyProof consumes the referenced challenge and asks the external
// verifier for a decision. The approval is never taken from the client.
// Challenge problems are returned as ErrChallengeInvalid or
// ErrChallengeExpired; every submission that gets past them is recorded.
func (s *Service) VerifyProof(ctx context.Context, uid string, proof Proof) (Outcome, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" || strings.TrimSpace(proof.ChallengeID) == "" || proof.ChallengeSecret == "" {
		return Outcome{}, ErrChallengeInvalid
	}
	ch, err := s.challenges.GetChallenge(ctx, proof.ChallengeID)
	if errors.Is(err, ErrNotFound) {
		return Outcome{}, ErrChallengeInvalid
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("verification: load challenge: %w", err)
	}
	if ch.UID != uid || !s.matches(ch.Hash, proof.ChallengeSecret) {
		return Outcome{}, ErrChallengeInvalid
	}
	now := s.now()
	switch ch.StatusAt(now) {
	case ChallengeConsumed:
		return Outcome{}, ErrChallengeInvalid
	case ChallengeExpired:
		return Outcome{}, ErrChallengeExpired
	}
	consumed, err := s.challenges.MarkConsumed(ctx, ch.ID, now)
	if err != nil {
		return Outcome{}, fmt.Errorf("verification: consume challenge: %w", err)
	}
	if !consumed {
		// lost a race with another submission
		return Outcome{}, ErrChallengeInvalid
	}

	out := s.decide(ctx, ProofRequest{UID: uid, ChallengeID: ch.ID, SessionID: ch.SessionID, Payload: proof.Payload})

	// the challenge is spent; finish the bookkeeping even if the caller left
	ctx = context.WithoutCancel(ctx)
	attempt, err := s.settle(ctx, Attempt{
		ID:          ids.New(),
		UID:         uid,
		Approved:    out.Approved,
		Reason:      out.Reason,
		Source:      out.Source,
		ActorUID:    uid,
		ChallengeID: ch.ID,
		At:          s.now(),
	})
	if err != nil {
		return Outcome{}, err
	}
	out = attempt.Outcome()
	_ = audit.LogEvent(audit.WithActor(ctx, uid), "verification.proof_checked", map[string]any{
		"challenge_id": ch.ID,
		"attempt_id":   attempt.ID,
		"approved":     out.Approved,
		"reason":       out.Reason,
		"source":       string(out.Source),
	})
	return out, nil
}

func (s *Service) decide(ctx context.Context, req ProofRequest) Outcome {
	if s.verifier != nil {
		cctx, cancel := context.WithTimeout(ctx, s.verifierTimeout)
		verdict, err := s.verifier.SubmitProof(cctx, req)
		cancel()
		if err == nil {
			return Outcome{Approved: verdict.Approved, Reason: verdictReason(verdict), Source: SourceCloud}
		}
		s.logger.Warn("verification: verifier call failed",
			zap.String("challenge_id", req.ChallengeID),
			zap.Error(err),
		)
	}
	if s.devFallback {
		return Outcome{Approved: true, Reason: ReasonDevFallback, Source: SourceDevFallback}
	}
	return Outcome{Approved: false, Reason: ReasonCloudUnavailable, Source: SourceUnavailable}
}

func verdictReason(v Verdict) string {
	reason := strings.TrimSpace(strings.ToValidUTF8(v.Reason, ""))
	if reason == "" {
		if v.Approved {
			return ReasonApproved
		}
		return ReasonRejected
	}
	return truncateReason(reason)
}

// truncateReason caps reason at maxReasonLen bytes without splitting a rune.
func truncateReason(reason string) string {
	if len(reason) <= maxReasonLen {
		return reason
	}
	cut := maxReasonLen
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

// settle writes the attempt and then, for an approval, the promotion. The
// attempt always lands first so that no promotion exists without its audit
// row. A principal whose status does not admit promotion gets a recorded
// refusal instead of an error.
func (s *Service) settle(ctx context.Context, a Attempt) (Attempt, error) {
	if a.Approved {
		ok, err := s.eligible(ctx, a.UID)
		if err != nil {
			return Attempt{}, err
		}
		if !ok {
			a.Approved, a.Reason = false, ReasonStatusNotEligible
		}
	}
	if err := s.record(ctx, a); err != nil {
		return Attempt{}, err
	}
	if !a.Approved {
		return a, nil
	}

	_, changed, err := s.claims.UpdateClaims(ctx, a.UID, claims.Promotion(), s.now())
	if errors.Is(err, claims.ErrTransitionNotAllowed) {
		// status moved between the eligibility read and the write
		refused := a
		refused.ID = ids.New()
		refused.Approved, refused.Reason = false, ReasonStatusNotEligible
		refused.At = s.now()
		if err := s.record(ctx, refused); err != nil {
			return Attempt{}, err
		}
		return refused, nil
	}
	if err != nil {
		s.logger.Error("verification: approval recorded but promotion failed",
			zap.String("uid", a.UID), zap.String("attempt_id", a.ID), zap.Error(err))
		return Attempt{}, fmt.Errorf("verification: promote claims: %w", err)
	}
	if changed {
		s.logger.Info("verification: claims promoted", zap.String("uid", a.UID), zap.String("source", string(a.Source)))
	}
	return a, nil
}

// eligible reports whether the stored status admits promotion. A principal
// without a record starts in Grace and is eligible.
func (s *Service) eligible(ctx context.Context, uid string) (bool, error) {
	c, err := s.claims.GetClaims(ctx, uid)
	switch {
	case errors.Is(err, claims.ErrNotFound):
		return true, nil
	case err != nil:
		return false, fmt.Errorf("verification: load claims: %w", err)
	}
	_, _, err = claims.Promotion().Apply(c)
	if errors.Is(err, claims.ErrTransitionNotAllowed) {
		return false, nil
	}
	return err == nil, err
}

func (s *Service) record(ctx context.Context, a Attempt) error {
	if err := s.attempts.AppendAttempt(ctx, a); err != nil {
		return fmt.Errorf("verification: append attempt: %w", err)
	}
	if err := s.attempts.UpsertLatestDecision(ctx, a.Decision()); err != nil {
		return fmt.Errorf("verification: upsert decision: %w", err)
	}
	obs.RecordVerification(string(a.Source), a.Approved)
	return nil
}

// GetResult reports the latest decision and current claims for uid. It never
// writes.
func (s *Service) GetResult(ctx context.Context, uid string) (Result, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return Result{}, ErrInvalidInput
	}
	c, err := s.claims.GetClaims(ctx, uid)
	switch {
	case errors.Is(err, claims.ErrNotFound):
		c = claims.Defaults(uid, time.Time{})
	case err != nil:
		return Result{}, fmt.Errorf("verification: load claims: %w", err)
	}
	res := Result{KYCVerified: c.KYCVerified, Status: c.EffectiveStatus(s.now(), s.graceDays), Reason: reasonNoDecision}

	d, err := s.attempts.LatestDecision(ctx, uid)
	switch {
	case errors.Is(err, ErrNotFound):
		return res, nil
	case err != nil:
		return Result{}, fmt.Errorf("verification: load decision: %w", err)
	}
	res.Approved = d.Approved
	res.Reason = d.Reason
	res.Provider = d.Source
	if d.Approved && c.KYCVerified {
		at := d.DecidedAt
		res.VerifiedAt = &at
	}
	return res, nil
}

// AdminApprove promotes target without contacting the external verifier.
// admin must hold role admin or higher and be Verified itself.
func (s *Service) AdminApprove(ctx context.Context, admin claims.Principal, targetUID string) (Outcome, error) {
	if !claims.HasMinRole(admin.Role, claims.RoleAdmin) || admin.Status != claims.StatusVerified {
		return Outcome{}, ErrForbidden
	}
	targetUID = strings.TrimSpace(targetUID)
	if targetUID == "" {
		return Outcome{}, ErrInvalidInput
	}
	if _, err := s.claims.GetClaims(ctx, targetUID); err != nil {
		if errors.Is(err, claims.ErrNotFound) {
			return Outcome{}, ErrNotFound
		}
		return Outcome{}, fmt.Errorf("verification: load claims: %w", err)
	}

	attempt, err := s.settle(ctx, Attempt{
		ID:       ids.New(),
		UID:      targetUID,
		Approved: true,
		Reason:   ReasonAdminOverride,
		Source:   SourceAdmin,
		ActorUID: admin.UID,
		At:       s.now(),
	})
	if err != nil {
		return Outcome{}, err
	}
	out := attempt.Outcome()
	_ = audit.LogEvent(audit.WithActor(ctx, admin.UID), "verification.admin_approve", map[string]any{
		"target_uid": targetUID,
		"attempt_id": attempt.ID,
		"approved":   out.Approved,
		"reason":     out.Reason,
	})
	return out, nil
}

func (s *Service) digest(secret string) string {
	h, err := blake2b.New256(s.hashKey)
	if err != nil {
		// only reachable with a key over 64 bytes, which WithHashKey prevents
		panic(err)
	}
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Service) matches(stored, secret string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(s.digest(secret))) == 1
}

// StatusAt reports the challenge status at now. Expiry is never written; it is
// derived from ExpiresAt.
func (c Challenge) StatusAt(now time.Time) ChallengeStatus {
	if c.Status == ChallengeIssued && !now.Before(c.ExpiresAt) {
		return ChallengeExpired
	}
	return c.Status
}
