// Package gate admits or refuses a request for a protected operation. The
// checks run in a fixed order (attestation, identity, role, status, rate
// limit) and the first failure decides the reported kind.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"agora.app/internal/claims"
	"agora.app/internal/ids"
	"agora.app/internal/obs"
	"agora.app/internal/ratelimit"
	"agora.app/internal/telemetry"
	"agora.app/internal/token"
)

// Authenticator turns raw credentials into a verified identity.
type Authenticator interface {
	Verify(ctx context.Context, c token.Credentials) (token.Identity, error)
}

// ClaimsReader is the read side of the claims store.
type ClaimsReader interface {
	GetClaims(ctx context.Context, uid string) (claims.Claims, error)
}

// Request is what the gate needs to know about an inbound call.
type Request struct {
	Route       string
	Credentials token.Credentials
	ClientIP    string
}

type Gate struct {
	auth      Authenticator
	limiter   ratelimit.Limiter
	reader    ClaimsReader
	sink      telemetry.Sink
	now       func() time.Time
	graceDays int
	newID     func() string
	logger    *zap.Logger
}

type Option func(*Gate)

// WithClaimsReader lets the gate consult the store when token claims may be
// stale and to derive the grace window from the account creation time.
func WithClaimsReader(r ClaimsReader) Option {
	return func(g *Gate) { g.reader = r }
}

func WithTelemetry(s telemetry.Sink) Option {
	return func(g *Gate) {
		if s != nil {
			g.sink = s
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(g *Gate) {
		if fn != nil {
			g.now = fn
		}
	}
}

func WithGraceDays(days int) Option {
	return func(g *Gate) {
		if days > 0 {
			g.graceDays = days
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithCorrelationIDs overrides how denial correlation ids are minted.
func WithCorrelationIDs(fn func() string) Option {
	return func(g *Gate) {
		if fn != nil {
			g.newID = fn
		}
	}
}

func New(auth Authenticator, limiter ratelimit.Limiter, opts ...Option) (*Gate, error) {
	if auth == nil {
		return nil, errors.New("gate: authenticator is required")
	}
	if limiter == nil {
		limiter = ratelimit.NewInMemory()
	}
	g := &Gate{
		auth:      auth,
		limiter:   limiter,
		sink:      telemetry.Nop{},
		now:       time.Now,
		graceDays: claims.DefaultGraceDays,
		newID:     ids.CorrelationID,
		logger:    obs.Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Admit runs every check of p against req and returns the admitted
// principal. Every refusal is an *Error.
func (g *Gate) Admit(ctx context.Context, req Request, p Policy) (claims.Principal, error) {
	id, err := g.auth.Verify(ctx, req.Credentials)
	if err != nil {
		kind := KindServerError
		switch {
		case errors.Is(err, token.ErrUnauthenticatedApp):
			kind = KindUnauthenticatedApp
		case errors.Is(err, token.ErrUnauthenticatedUser):
			kind = KindUnauthenticatedUser
		}
		return claims.Principal{}, g.deny(ctx, req, "", kind, err)
	}

	current, err := g.resolve(ctx, id)
	if err != nil {
		return claims.Principal{}, g.deny(ctx, req, id.UID, KindServerError, err)
	}
	principal := current.Principal()
	principal.Status = current.EffectiveStatus(g.now(), g.graceDays)

	if p.MinRole != "" && !claims.HasMinRole(principal.Role, p.MinRole) {
		return claims.Principal{}, g.deny(ctx, req, principal.UID, KindForbidden,
			fmt.Errorf("role %s below %s", principal.Role, p.MinRole))
	}
	if p.AllowedStatus != nil && !claims.StatusAllowed(principal.Status, p.AllowedStatus) {
		return claims.Principal{}, g.deny(ctx, req, principal.UID, KindLocked,
			fmt.Errorf("status %s not allowed", principal.Status))
	}

	for _, rule := range p.RateLimits {
		key := rateKey(rule, principal.UID, req.ClientIP)
		d, err := g.limiter.Allow(ctx, key, rule.Limit, rule.Window)
		if err != nil {
			// best effort: an unavailable limiter does not take the route down
			g.logger.Warn("gate: rate limiter unavailable", zap.String("rule", rule.Name), zap.Error(err))
			continue
		}
		if !d.Allowed {
			ge := g.deny(ctx, req, principal.UID, KindRateLimited, fmt.Errorf("rule %s exhausted", rule.Name))
			ge.RetryAfter = d.RetryAfter
			return claims.Principal{}, ge
		}
	}
	return principal, nil
}

// resolve picks the claims to enforce. Token claims are used unless the store
// has a record that changed after the token was issued, or the token carried
// no claims at all. The stored creation time is always used when present.
func (g *Gate) resolve(ctx context.Context, id token.Identity) (claims.Claims, error) {
	current := claims.Claims{
		UID:         id.UID,
		Role:        id.Role,
		Status:      id.Status,
		KYCVerified: id.KYCVerified,
	}
	if g.reader == nil {
		return current, nil
	}
	stored, err := g.reader.GetClaims(ctx, id.UID)
	if errors.Is(err, claims.ErrNotFound) {
		return current, nil
	}
	if err != nil {
		return claims.Claims{}, fmt.Errorf("gate: read claims: %w", err)
	}
	current.AccountCreatedAt = stored.AccountCreatedAt
	if id.Defaulted || stored.ClaimsChangedAt.After(id.IssuedAt) {
		current.Role = stored.Role
		current.Status = stored.Status
		current.KYCVerified = stored.KYCVerified
	}
	current.ClaimsChangedAt = stored.ClaimsChangedAt
	return current, nil
}

func rateKey(rule RateRule, uid, ip string) string {
	subject := uid
	if rule.Scope == ScopeIP {
		subject = strings.TrimSpace(ip)
		if subject == "" {
			subject = "unknown"
		}
	}
	return rule.Name + ":" + string(rule.Scope) + ":" + subject
}

func (g *Gate) deny(ctx context.Context, req Request, uid string, kind Kind, cause error) *Error {
	ge := &Error{Kind: kind, CorrelationID: g.newID(), Route: req.Route, cause: cause}
	d := telemetry.Denial{
		CorrelationID: ge.CorrelationID,
		Route:         req.Route,
		Kind:          string(kind),
		UID:           uid,
		ClientIP:      req.ClientIP,
		At:            g.now(),
	}
	g.sink.EmitDenial(context.WithoutCancel(ctx), d)
	obs.RecordDenial(req.Route, string(kind))
	g.logger.Info("gate: denied",
		zap.String("correlation_id", ge.CorrelationID),
		zap.String("route", req.Route),
		zap.String("kind", string(kind)),
		zap.String("uid", uid),
		zap.NamedError("cause", cause),
	)
	return ge
}

// Operation is a protected unit of work that runs with an admitted principal.
type Operation[T any] func(ctx context.Context, p claims.Principal) (T, error)

// Wrap binds op to policy. The returned function admits the request first
// and only then runs op, whose result is returned unchanged.
func Wrap[T any](g *Gate, policy Policy, op Operation[T]) func(ctx context.Context, req Request) (T, error) {
	return func(ctx context.Context, req Request) (T, error) {
		p, err := g.Admit(ctx, req, policy)
		if err != nil {
			var zero T
			return zero, err
		}
		return op(ContextWithPrincipal(ctx, p), p)
	}
}

type principalKey struct{}

func ContextWithPrincipal(ctx context.Context, p claims.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (claims.Principal, bool) {
	if ctx == nil {
		return claims.Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(claims.Principal)
	return p, ok
}
