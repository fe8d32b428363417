package migrate

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	files, err := Files()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "00001_init.sql", files[0])

	body, err := migrations.ReadFile(dir + "/" + files[0])
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "-- +goose Up")
	assert.Contains(t, text, "-- +goose Down")
	for _, table := range []string{"principal_claims", "verification_challenges", "verification_attempts", "verification_decisions"} {
		assert.True(t, strings.Contains(text, "create table if not exists "+table), "missing table %s", table)
	}
}

func TestUpUsesEmbeddedDir(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	var gotDir string
	orig := gooseUp
	gooseUp = func(_ context.Context, _ *sql.DB, d string, _ ...goose.OptionsFunc) error {
		gotDir = d
		return nil
	}
	t.Cleanup(func() { gooseUp = orig })

	require.NoError(t, NewManager(db).Up(context.Background()))
	assert.Equal(t, "sql", gotDir)
}

func TestDownWrapsErrors(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	orig := gooseDown
	gooseDown = func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error {
		return errors.New("no migrations to roll back")
	}
	t.Cleanup(func() { gooseDown = orig })

	err = NewManager(db).Down(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate: down")
}

func TestVersion(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	orig := gooseVersion
	gooseVersion = func(context.Context, *sql.DB) (int64, error) { return 1, nil }
	t.Cleanup(func() { gooseVersion = orig })

	v, err := NewManager(db).Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestRequiresDB(t *testing.T) {
	assert.Error(t, NewManager(nil).Up(context.Background()))
}

func TestUnknownDialect(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	assert.Error(t, NewManager(db, WithDialect("oracle-9i")).Up(context.Background()))
}
