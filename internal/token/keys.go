package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"
)

// KeySource resolves the verification key for a token's kid header.
type KeySource interface {
	Key(ctx context.Context, kid string) (any, error)
	Algorithms() []string
}

// HMACKey is a shared-secret source for development and tests.
type HMACKey []byte

func (k HMACKey) Key(context.Context, string) (any, error) {
	if len(k) == 0 {
		return nil, ErrUnknownKey
	}
	return []byte(k), nil
}

func (HMACKey) Algorithms() []string { return []string{"HS256"} }

const (
	defaultJWKSCacheTTL     = time.Hour
	defaultJWKSFetchTimeout = 5 * time.Second
	defaultJWKSMinRefresh   = 30 * time.Second
	maxJWKSBytes            = 1 << 20
)

// JWKSSource fetches public keys from a JWKS endpoint and caches them. An
// unknown kid triggers at most one refresh per minRefresh interval; concurrent
// refreshes collapse into a single request.
type JWKSSource struct {
	url        string
	client     *http.Client
	ttl        time.Duration
	timeout    time.Duration
	minRefresh time.Duration
	now        func() time.Time

	group singleflight.Group

	mu          sync.RWMutex
	keys        map[string]any
	fetchedAt   time.Time
	lastAttempt time.Time
}

type JWKSOption func(*JWKSSource)

func WithHTTPClient(c *http.Client) JWKSOption {
	return func(s *JWKSSource) {
		if c != nil {
			s.client = c
		}
	}
}

func WithCacheTTL(d time.Duration) JWKSOption {
	return func(s *JWKSSource) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithFetchTimeout bounds every key fetch.
func WithFetchTimeout(d time.Duration) JWKSOption {
	return func(s *JWKSSource) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithMinRefresh(d time.Duration) JWKSOption {
	return func(s *JWKSSource) {
		if d >= 0 {
			s.minRefresh = d
		}
	}
}

func WithJWKSClock(fn func() time.Time) JWKSOption {
	return func(s *JWKSSource) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewJWKSSource(url string, opts ...JWKSOption) (*JWKSSource, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("token: jwks url is required")
	}
	s := &JWKSSource{
		url:        url,
		client:     http.DefaultClient,
		ttl:        defaultJWKSCacheTTL,
		timeout:    defaultJWKSFetchTimeout,
		minRefresh: defaultJWKSMinRefresh,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (*JWKSSource) Algorithms() []string { return []string{"RS256", "ES256", "EdDSA"} }

func (s *JWKSSource) Key(ctx context.Context, kid string) (any, error) {
	now := s.now()
	key, ok, fresh, mayRefresh := s.lookup(kid, now)
	if ok && fresh {
		return key, nil
	}
	if !fresh || mayRefresh {
		if err := s.refresh(ctx); err != nil {
			// keep serving cached keys through a key-provider outage
			if ok {
				return key, nil
			}
			return nil, err
		}
		key, ok, _, _ = s.lookup(kid, now)
	}
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
	}
	return key, nil
}

func (s *JWKSSource) lookup(kid string, now time.Time) (key any, ok, fresh, mayRefresh bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if kid == "" && len(s.keys) == 1 {
		for _, k := range s.keys {
			key, ok = k, true
		}
	} else {
		key, ok = s.keys[kid]
	}
	fresh = !s.fetchedAt.IsZero() && now.Sub(s.fetchedAt) < s.ttl
	mayRefresh = now.Sub(s.lastAttempt) >= s.minRefresh
	return key, ok, fresh, mayRefresh
}

func (s *JWKSSource) refresh(ctx context.Context) error {
	_, err, _ := s.group.Do("jwks", func() (any, error) {
		s.mu.Lock()
		s.lastAttempt = s.now()
		s.mu.Unlock()

		keys, err := s.fetch(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.keys = keys
		s.fetchedAt = s.now()
		s.mu.Unlock()
		return nil, nil
	})
	return err
}

func (s *JWKSSource) fetch(ctx context.Context) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("token: build jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token: fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token: fetch jwks: unexpected status %d", resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(&set); err != nil {
		return nil, fmt.Errorf("token: decode jwks: %w", err)
	}
	keys := make(map[string]any, len(set.Keys))
	for _, k := range set.Keys {
		if !k.Valid() || !k.IsPublic() {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		keys[k.KeyID] = k.Key
	}
	if len(keys) == 0 {
		return nil, errors.New("token: jwks contains no usable signing keys")
	}
	return keys, nil
}
