package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agora.app/internal/verification"
)

func (s *Store) PutChallenge(ctx context.Context, c verification.Challenge) error {
	_, err := s.db.ExecContext(ctx, `
		insert into verification_challenges(id, uid, challenge_hash, session_id, status, created_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.UID, c.Hash, c.SessionID, string(c.Status), c.CreatedAt, c.ExpiresAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: challenge %s", ErrDuplicate, c.ID)
	}
	return err
}

func (s *Store) GetChallenge(ctx context.Context, id string) (verification.Challenge, error) {
	var (
		c        = verification.Challenge{ID: id}
		status   string
		consumed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select uid, challenge_hash, session_id, status, created_at, expires_at, consumed_at
		from verification_challenges
		where id = $1
	`, id).Scan(&c.UID, &c.Hash, &c.SessionID, &status, &c.CreatedAt, &c.ExpiresAt, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return verification.Challenge{}, verification.ErrNotFound
	}
	if err != nil {
		return verification.Challenge{}, err
	}
	c.Status = verification.ChallengeStatus(status)
	if consumed.Valid {
		at := consumed.Time
		c.ConsumedAt = &at
	}
	return c, nil
}

// MarkConsumed is a single conditional update; whichever caller's update hits
// the row first wins.
func (s *Store) MarkConsumed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update verification_challenges
		set status = 'consumed', consumed_at = $2
		where id = $1 and status = 'issued' and expires_at > $2
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) AppendAttempt(ctx context.Context, a verification.Attempt) error {
	var challengeID sql.NullString
	if a.ChallengeID != "" {
		challengeID = sql.NullString{String: a.ChallengeID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into verification_attempts(id, uid, approved, reason, source, actor_uid, challenge_id, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.UID, a.Approved, a.Reason, string(a.Source), a.ActorUID, challengeID, a.At)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: attempt %s", ErrDuplicate, a.ID)
	}
	return err
}

// UpsertLatestDecision never lets an older decision overwrite a newer one.
func (s *Store) UpsertLatestDecision(ctx context.Context, d verification.Decision) error {
	_, err := s.db.ExecContext(ctx, `
		insert into verification_decisions(uid, approved, reason, source, attempt_id, decided_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (uid) do update
		set approved = excluded.approved,
		    reason = excluded.reason,
		    source = excluded.source,
		    attempt_id = excluded.attempt_id,
		    decided_at = excluded.decided_at
		where verification_decisions.decided_at <= excluded.decided_at
	`, d.UID, d.Approved, d.Reason, string(d.Source), d.AttemptID, d.DecidedAt)
	return err
}

func (s *Store) LatestDecision(ctx context.Context, uid string) (verification.Decision, error) {
	d := verification.Decision{UID: uid}
	var source string
	err := s.db.QueryRowContext(ctx, `
		select approved, reason, source, attempt_id, decided_at
		from verification_decisions
		where uid = $1
	`, uid).Scan(&d.Approved, &d.Reason, &source, &d.AttemptID, &d.DecidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return verification.Decision{}, verification.ErrNotFound
	}
	if err != nil {
		return verification.Decision{}, err
	}
	d.Source = verification.Source(source)
	return d, nil
}

// Attempts returns the attempt log for uid, oldest first.
func (s *Store) Attempts(ctx context.Context, uid string) ([]verification.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, approved, reason, source, actor_uid, coalesce(challenge_id, ''), created_at
		from verification_attempts
		where uid = $1
		order by created_at, id
	`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []verification.Attempt
	for rows.Next() {
		a := verification.Attempt{UID: uid}
		var source string
		if err := rows.Scan(&a.ID, &a.Approved, &a.Reason, &source, &a.ActorUID, &a.ChallengeID, &a.At); err != nil {
			return nil, err
		}
		a.Source = verification.Source(source)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
