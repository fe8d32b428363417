// Package token authenticates a request from two independent credentials: an
// app-attestation token proving the call came from an approved client build,
// and an identity token proving which user is calling.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agora.app/internal/claims"
)

var (
	ErrUnauthenticatedApp  = errors.New("token: app attestation rejected")
	ErrUnauthenticatedUser = errors.New("token: identity rejected")

	ErrMissing     = errors.New("token: missing")
	ErrAppMismatch = errors.New("token: app identifier not allowed")
	ErrUnknownKey  = errors.New("token: unknown signing key")
	ErrMalformed   = errors.New("token: malformed claims")
)

// Credentials are the raw tokens presented with a request.
type Credentials struct {
	AttestationToken string
	IdentityToken    string
}

// Attestation is what a valid attestation token vouches for.
type Attestation struct {
	AppID     string
	ExpiresAt time.Time
}

type AttestationVerifier interface {
	VerifyAttestation(ctx context.Context, raw string) (Attestation, error)
}

// Identity is the caller extracted from a valid identity token.
type Identity struct {
	UID         string
	Role        claims.Role
	Status      claims.Status
	KYCVerified bool
	IssuedAt    time.Time
	// Defaulted is set when the token carried no custom claims and the
	// least-privileged fallback was applied.
	Defaulted bool
}

func (i Identity) Principal() claims.Principal {
	return claims.Principal{UID: i.UID, Role: i.Role, Status: i.Status, KYCVerified: i.KYCVerified}
}

type IdentityVerifier interface {
	VerifyIdentity(ctx context.Context, raw string) (Identity, error)
}

// Verifier runs the attestation check and then the identity check. Both are
// mandatory; there is no configuration that skips either one.
type Verifier struct {
	attestation AttestationVerifier
	identity    IdentityVerifier
}

func NewVerifier(attestation AttestationVerifier, identity IdentityVerifier) (*Verifier, error) {
	if attestation == nil {
		return nil, errors.New("token: attestation verifier is required")
	}
	if identity == nil {
		return nil, errors.New("token: identity verifier is required")
	}
	return &Verifier{attestation: attestation, identity: identity}, nil
}

// Verify returns the caller's identity. Errors wrap ErrUnauthenticatedApp or
// ErrUnauthenticatedUser; the attestation failure always wins when both
// credentials are bad.
func (v *Verifier) Verify(ctx context.Context, c Credentials) (Identity, error) {
	att := strings.TrimSpace(c.AttestationToken)
	if att == "" {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticatedApp, ErrMissing)
	}
	if _, err := v.attestation.VerifyAttestation(ctx, att); err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticatedApp, err)
	}

	idt := strings.TrimSpace(c.IdentityToken)
	if idt == "" {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticatedUser, ErrMissing)
	}
	id, err := v.identity.VerifyIdentity(ctx, idt)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticatedUser, err)
	}
	return id, nil
}
