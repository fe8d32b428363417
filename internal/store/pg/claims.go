package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agora.app/internal/claims"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClaims(row rowScanner, uid string) (claims.Claims, error) {
	var (
		role, status string
		c            = claims.Claims{UID: uid}
	)
	if err := row.Scan(&role, &status, &c.KYCVerified, &c.AccountCreatedAt, &c.ClaimsChangedAt); err != nil {
		return claims.Claims{}, err
	}
	var err error
	if c.Role, err = claims.ParseRole(role); err != nil {
		return claims.Claims{}, err
	}
	if c.Status, err = claims.ParseStatus(status); err != nil {
		return claims.Claims{}, err
	}
	return c, nil
}

func (s *Store) GetClaims(ctx context.Context, uid string) (claims.Claims, error) {
	row := s.db.QueryRowContext(ctx, `
		select role, status, kyc_verified, account_created_at, claims_changed_at
		from principal_claims
		where uid = $1
	`, uid)
	c, err := scanClaims(row, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return claims.Claims{}, claims.ErrNotFound
	}
	if err != nil {
		return claims.Claims{}, err
	}
	return c, nil
}

// UpdateClaims is a row-locked read-modify-write: the default record is
// created if missing, the row is locked, the update is merged and written
// back in the same transaction.
func (s *Store) UpdateClaims(ctx context.Context, uid string, u claims.Update, at time.Time) (claims.Claims, bool, error) {
	if err := u.Validate(); err != nil {
		return claims.Claims{}, false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return claims.Claims{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	def := claims.Defaults(uid, at)
	if _, err := tx.ExecContext(ctx, `
		insert into principal_claims(uid, role, status, kyc_verified, account_created_at, claims_changed_at)
		values ($1, $2, $3, false, $4, $4)
		on conflict (uid) do nothing
	`, uid, string(def.Role), string(def.Status), at); err != nil {
		return claims.Claims{}, false, fmt.Errorf("pg: ensure claims: %w", err)
	}

	current, err := scanClaims(tx.QueryRowContext(ctx, `
		select role, status, kyc_verified, account_created_at, claims_changed_at
		from principal_claims
		where uid = $1
		for update
	`, uid), uid)
	if err != nil {
		return claims.Claims{}, false, fmt.Errorf("pg: lock claims: %w", err)
	}

	next, changed, err := u.Apply(current)
	if err != nil {
		return current, false, err
	}
	if changed {
		next.ClaimsChangedAt = at
		if _, err := tx.ExecContext(ctx, `
			update principal_claims
			set role = $2, status = $3, kyc_verified = $4, claims_changed_at = $5
			where uid = $1
		`, uid, string(next.Role), string(next.Status), next.KYCVerified, at); err != nil {
			return claims.Claims{}, false, fmt.Errorf("pg: update claims: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return claims.Claims{}, false, err
	}
	return next, changed, nil
}
