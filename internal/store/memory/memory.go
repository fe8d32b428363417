// Package memory is a process-local implementation of every store the gate
// and the verification protocol need. It backs development runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"agora.app/internal/claims"
	"agora.app/internal/verification"
)

var ErrDuplicate = errors.New("memory: duplicate id")

type Store struct {
	mu         sync.Mutex
	claims     map[string]claims.Claims
	challenges map[string]verification.Challenge
	attempts   []verification.Attempt
	decisions  map[string]verification.Decision
}

var (
	_ verification.ChallengeStore = (*Store)(nil)
	_ verification.AttemptLog     = (*Store)(nil)
	_ verification.ClaimsStore    = (*Store)(nil)
)

func New() *Store {
	return &Store{
		claims:     make(map[string]claims.Claims),
		challenges: make(map[string]verification.Challenge),
		decisions:  make(map[string]verification.Decision),
	}
}

// Ping always succeeds; it lets the store stand in for a database in
// readiness checks.
func (s *Store) Ping(context.Context) error { return nil }

// PutClaims stores c as is, replacing any existing record.
func (s *Store) PutClaims(_ context.Context, c claims.Claims) error {
	if strings.TrimSpace(c.UID) == "" {
		return fmt.Errorf("memory: uid required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims[c.UID] = c
	return nil
}

func (s *Store) GetClaims(_ context.Context, uid string) (claims.Claims, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[uid]
	if !ok {
		return claims.Claims{}, claims.ErrNotFound
	}
	return c, nil
}

func (s *Store) UpdateClaims(_ context.Context, uid string, u claims.Update, at time.Time) (claims.Claims, bool, error) {
	if strings.TrimSpace(uid) == "" {
		return claims.Claims{}, false, fmt.Errorf("memory: uid required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.claims[uid]
	if !ok {
		current = claims.Defaults(uid, at)
	}
	next, changed, err := u.Apply(current)
	if err != nil {
		return current, false, err
	}
	if changed {
		next.ClaimsChangedAt = at
	}
	if changed || !ok {
		s.claims[uid] = next
	}
	return next, changed, nil
}

func (s *Store) PutChallenge(_ context.Context, c verification.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.challenges[c.ID]; ok {
		return fmt.Errorf("%w: challenge %s", ErrDuplicate, c.ID)
	}
	s.challenges[c.ID] = c
	return nil
}

func (s *Store) GetChallenge(_ context.Context, id string) (verification.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok {
		return verification.Challenge{}, verification.ErrNotFound
	}
	return c, nil
}

func (s *Store) MarkConsumed(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok || c.StatusAt(at) != verification.ChallengeIssued {
		return false, nil
	}
	c.Status = verification.ChallengeConsumed
	consumedAt := at
	c.ConsumedAt = &consumedAt
	s.challenges[id] = c
	return true, nil
}

func (s *Store) AppendAttempt(_ context.Context, a verification.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.attempts {
		if existing.ID == a.ID {
			return fmt.Errorf("%w: attempt %s", ErrDuplicate, a.ID)
		}
	}
	s.attempts = append(s.attempts, a)
	return nil
}

// UpsertLatestDecision keeps the newest decision per uid.
func (s *Store) UpsertLatestDecision(_ context.Context, d verification.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.decisions[d.UID]; ok && existing.DecidedAt.After(d.DecidedAt) {
		return nil
	}
	s.decisions[d.UID] = d
	return nil
}

func (s *Store) LatestDecision(_ context.Context, uid string) (verification.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[uid]
	if !ok {
		return verification.Decision{}, verification.ErrNotFound
	}
	return d, nil
}

// Attempts returns the attempt log for uid, oldest first.
func (s *Store) Attempts(_ context.Context, uid string) ([]verification.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []verification.Attempt
	for _, a := range s.attempts {
		if a.UID == uid {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}
