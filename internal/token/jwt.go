package token

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agora.app/internal/claims"
)

const defaultLeeway = 5 * time.Second

// AttestationConfig configures JWT attestation checks.
type AttestationConfig struct {
	Keys KeySource
	// Issuer and Audience are enforced when set.
	Issuer   string
	Audience string
	// AppIDs lists the client applications allowed to call. The token's
	// subject must be one of them.
	AppIDs []string
	Leeway time.Duration
	Now    func() time.Time
}

type JWTAttestationVerifier struct {
	cfg AttestationConfig
}

func NewJWTAttestationVerifier(cfg AttestationConfig) (*JWTAttestationVerifier, error) {
	if cfg.Keys == nil {
		return nil, errors.New("token: attestation key source is required")
	}
	var apps []string
	for _, id := range cfg.AppIDs {
		if id = strings.TrimSpace(id); id != "" {
			apps = append(apps, id)
		}
	}
	if len(apps) == 0 {
		return nil, errors.New("token: at least one attested app id is required")
	}
	cfg.AppIDs = apps
	if cfg.Leeway <= 0 {
		cfg.Leeway = defaultLeeway
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &JWTAttestationVerifier{cfg: cfg}, nil
}

func (v *JWTAttestationVerifier) VerifyAttestation(ctx context.Context, raw string) (Attestation, error) {
	var rc jwt.RegisteredClaims
	if err := parse(ctx, raw, &rc, v.cfg.Keys, v.cfg.Issuer, v.cfg.Audience, v.cfg.Leeway, v.cfg.Now); err != nil {
		return Attestation{}, err
	}
	if !slices.Contains(v.cfg.AppIDs, rc.Subject) {
		return Attestation{}, fmt.Errorf("%w: %q", ErrAppMismatch, rc.Subject)
	}
	return Attestation{AppID: rc.Subject, ExpiresAt: rc.ExpiresAt.Time.UTC()}, nil
}

// IdentityConfig configures JWT identity checks.
type IdentityConfig struct {
	Keys     KeySource
	Issuer   string
	Audience string
	Leeway   time.Duration
	Now      func() time.Time
}

type JWTIdentityVerifier struct {
	cfg IdentityConfig
}

// identityClaims mirrors the custom claims the identity issuer embeds.
type identityClaims struct {
	Role        *string `json:"role,omitempty"`
	Status      *string `json:"status,omitempty"`
	KYCVerified *bool   `json:"kycVerified,omitempty"`
	jwt.RegisteredClaims
}

func NewJWTIdentityVerifier(cfg IdentityConfig) (*JWTIdentityVerifier, error) {
	if cfg.Keys == nil {
		return nil, errors.New("token: identity key source is required")
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = defaultLeeway
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &JWTIdentityVerifier{cfg: cfg}, nil
}

func (v *JWTIdentityVerifier) VerifyIdentity(ctx context.Context, raw string) (Identity, error) {
	var ic identityClaims
	if err := parse(ctx, raw, &ic, v.cfg.Keys, v.cfg.Issuer, v.cfg.Audience, v.cfg.Leeway, v.cfg.Now); err != nil {
		return Identity{}, err
	}
	uid := strings.TrimSpace(ic.Subject)
	if uid == "" {
		return Identity{}, fmt.Errorf("%w: subject missing", ErrMalformed)
	}

	id := Identity{
		UID:    uid,
		Role:   claims.RoleViewer,
		Status: claims.StatusGrace,
	}
	if ic.IssuedAt != nil {
		id.IssuedAt = ic.IssuedAt.Time.UTC()
	}
	if ic.Role == nil && ic.Status == nil && ic.KYCVerified == nil {
		id.Defaulted = true
		return id, nil
	}
	if ic.Role != nil {
		r, err := claims.ParseRole(*ic.Role)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		id.Role = r
	}
	if ic.Status != nil {
		s, err := claims.ParseStatus(*ic.Status)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		id.Status = s
	}
	if ic.KYCVerified != nil {
		id.KYCVerified = *ic.KYCVerified
	}
	return id, nil
}

func parse(ctx context.Context, raw string, dst jwt.Claims, keys KeySource, issuer, audience string, leeway time.Duration, now func() time.Time) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(keys.Algorithms()),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(now),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	parsed, err := jwt.ParseWithClaims(raw, dst, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return keys.Key(ctx, kid)
	}, opts...)
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return jwt.ErrTokenUnverifiable
	}
	return nil
}
