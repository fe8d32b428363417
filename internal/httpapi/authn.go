package httpapi

import (
	"net/http"
	"strings"

	"agora.app/internal/audit"
	"agora.app/internal/claims"
	"agora.app/internal/gate"
	"agora.app/internal/token"
)

const (
	authHeader        = "Authorization"
	attestationHeader = "X-App-Attestation"
	bearer            = "bearer "
)

// principalHandler is a route body that runs only after the gate admitted
// the request.
type principalHandler func(w http.ResponseWriter, r *http.Request, p claims.Principal)

// protect admits the request against policy before calling next. route is
// the canonical route name used in telemetry and rate-limit keys.
func (a *API) protect(route string, policy gate.Policy, next principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := gate.Request{
			Route:       route,
			Credentials: credentials(r),
			ClientIP:    clientIP(r),
		}
		p, err := a.gate.Admit(r.Context(), req, policy)
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := gate.ContextWithPrincipal(r.Context(), p)
		ctx = audit.WithActor(ctx, p.UID)
		next(w, r.WithContext(ctx), p)
	}
}

// credentials reads both tokens. A malformed Authorization header yields an
// empty identity token, which the gate reports as unauthenticated_user.
func credentials(r *http.Request) token.Credentials {
	return token.Credentials{
		AttestationToken: strings.TrimSpace(r.Header.Get(attestationHeader)),
		IdentityToken:    extractBearerToken(r.Header.Get(authHeader)),
	}
}

func extractBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return ""
	}
	return strings.TrimSpace(header[len(bearer):])
}
