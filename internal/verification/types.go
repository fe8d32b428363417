package verification

import (
	"context"
	"errors"
	"time"

	"agora.app/internal/claims"
)

var (
	ErrChallengeInvalid    = errors.New("verification: challenge invalid")
	ErrChallengeExpired    = errors.New("verification: challenge expired")
	ErrVerifierUnavailable = errors.New("verification: verifier unavailable")
	ErrNotFound            = errors.New("verification: not found")
	ErrForbidden           = errors.New("verification: forbidden")
	ErrInvalidInput        = errors.New("verification: invalid input")
)

// Source tags where an approval decision came from.
type Source string

const (
	SourceCloud       Source = "cloud"
	SourceDevFallback Source = "dev_fallback"
	SourceUnavailable Source = "unavailable"
	SourceAdmin       Source = "admin"
)

const (
	ReasonCloudUnavailable  = "cloud_unavailable"
	ReasonDevFallback       = "dev_fallback"
	ReasonAdminOverride     = "admin_override"
	ReasonStatusNotEligible = "status_not_eligible"
	ReasonApproved          = "approved"
	ReasonRejected          = "rejected"

	reasonNoDecision = "no_decision"
	maxReasonLen     = 128
)

const (
	MinChallengeTTL     = 60 * time.Second
	MaxChallengeTTL     = 3600 * time.Second
	DefaultChallengeTTL = 10 * time.Minute

	defaultVerifierTimeout = 10 * time.Second
	challengeIDBytes       = 18
	challengeSecretBytes   = 32
)

type ChallengeStatus string

const (
	ChallengeIssued   ChallengeStatus = "issued"
	ChallengeConsumed ChallengeStatus = "consumed"
	ChallengeExpired  ChallengeStatus = "expired"
)

// Challenge is the persisted half of a challenge. The secret handed to the
// client is never stored; Hash is a keyed digest of it.
type Challenge struct {
	ID         string
	UID        string
	Hash       string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Status     ChallengeStatus
	SessionID  string
	ConsumedAt *time.Time
}

func (c Challenge) ExpiresAtMs() int64 { return c.ExpiresAt.UnixMilli() }

// ChallengeView is returned to the client exactly once.
type ChallengeView struct {
	ChallengeID     string `json:"challengeId"`
	ChallengeSecret string `json:"challengeSecret"`
	ExpiresAtMs     int64  `json:"expiresAtMs"`
	VerificationURL string `json:"verificationUrl,omitempty"`
	SessionID       string `json:"sessionId"`
}

// Proof is what the client submits after completing the external check.
// Payload is passed to the verifier untouched; nothing in it is trusted.
type Proof struct {
	ChallengeID     string         `json:"challengeId"`
	ChallengeSecret string         `json:"challengeSecret"`
	Payload         map[string]any `json:"payload,omitempty"`
}

// Attempt is one immutable row of the verification audit log.
type Attempt struct {
	ID          string
	UID         string
	Approved    bool
	Reason      string
	Source      Source
	ActorUID    string
	ChallengeID string
	At          time.Time
}

func (a Attempt) Outcome() Outcome {
	return Outcome{Approved: a.Approved, Reason: a.Reason, Source: a.Source}
}

// Decision mirrors the latest attempt for a uid.
type Decision struct {
	UID       string
	Approved  bool
	Reason    string
	Source    Source
	AttemptID string
	DecidedAt time.Time
}

func (a Attempt) Decision() Decision {
	return Decision{UID: a.UID, Approved: a.Approved, Reason: a.Reason, Source: a.Source, AttemptID: a.ID, DecidedAt: a.At}
}

// Outcome is the answer to a proof submission or an admin approval.
type Outcome struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
	Source   Source `json:"source"`
}

// Result is the polling view for a uid.
type Result struct {
	Approved    bool          `json:"approved"`
	Reason      string        `json:"reason"`
	Provider    Source        `json:"provider,omitempty"`
	VerifiedAt  *time.Time    `json:"verifiedAt,omitempty"`
	KYCVerified bool          `json:"kycVerified"`
	Status      claims.Status `json:"status"`
}

// Session is an external verification session bound to one challenge.
type Session struct {
	SessionID       string
	VerificationURL string
}

// ProofRequest is sent to the external verifier.
type ProofRequest struct {
	UID         string
	ChallengeID string
	SessionID   string
	Payload     map[string]any
}

// Verdict is the external verifier's answer.
type Verdict struct {
	Approved bool
	Reason   string
}

// ProofVerifier is the external personhood verifier.
type ProofVerifier interface {
	StartSession(ctx context.Context, uid, challengeID string) (Session, error)
	SubmitProof(ctx context.Context, req ProofRequest) (Verdict, error)
}

type ChallengeStore interface {
	PutChallenge(ctx context.Context, c Challenge) error
	// GetChallenge returns ErrNotFound for unknown ids.
	GetChallenge(ctx context.Context, id string) (Challenge, error)
	// MarkConsumed flips an issued, unexpired challenge to consumed. It
	// reports false when the challenge is absent, already consumed or
	// expired at the given instant. It must be a single conditional write.
	MarkConsumed(ctx context.Context, id string, at time.Time) (bool, error)
}

type AttemptLog interface {
	AppendAttempt(ctx context.Context, a Attempt) error
	UpsertLatestDecision(ctx context.Context, d Decision) error
	// LatestDecision returns ErrNotFound when the uid has no attempts.
	LatestDecision(ctx context.Context, uid string) (Decision, error)
}

// ClaimsStore is the claims-mutation primitive shared with administrative
// writers. UpdateClaims merges u into the stored record atomically, creating
// the default record when none exists, and bumps ClaimsChangedAt to at only
// when something changed.
type ClaimsStore interface {
	GetClaims(ctx context.Context, uid string) (claims.Claims, error)
	UpdateClaims(ctx context.Context, uid string, u claims.Update, at time.Time) (claims.Claims, bool, error)
}
