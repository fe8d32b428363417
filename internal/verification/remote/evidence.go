package remote

import (
	"context"
	"fmt"
	"strings"

	"agora.app/internal/verification"
)

// EvidenceVerifier is a stand-in personhood verifier for development. It
// approves any proof whose payload carries a non-empty "evidence" string.
type EvidenceVerifier struct {
	// BaseURL prefixes the verification link handed to clients.
	BaseURL string
}

func (v EvidenceVerifier) StartSession(_ context.Context, uid, challengeID string) (verification.Session, error) {
	base := strings.TrimRight(v.BaseURL, "/")
	if base == "" {
		base = "http://localhost:8090/verify"
	}
	sessionID := "mock-" + challengeID
	return verification.Session{
		SessionID:       sessionID,
		VerificationURL: fmt.Sprintf("%s/%s", base, sessionID),
	}, nil
}

func (EvidenceVerifier) SubmitProof(_ context.Context, pr verification.ProofRequest) (verification.Verdict, error) {
	evidence, _ := pr.Payload["evidence"].(string)
	if strings.TrimSpace(evidence) == "" {
		return verification.Verdict{Approved: false, Reason: "evidence_missing"}, nil
	}
	return verification.Verdict{Approved: true, Reason: "evidence_accepted"}, nil
}
