// Package migrate applies the embedded SQL schema with goose.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var migrations embed.FS

const dir = "sql"

// seams for tests
var (
	gooseUp      = goose.UpContext
	gooseDown    = goose.DownContext
	gooseVersion = goose.GetDBVersionContext
)

// goose keeps its base FS and dialect in package state.
var setupMu sync.Mutex

// Manager runs schema migrations against one database.
type Manager struct {
	db      *sql.DB
	dialect string
}

type Option func(*Manager)

// WithDialect overrides the goose dialect (default "postgres").
func WithDialect(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.dialect = name
		}
	}
}

func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{db: db, dialect: "postgres"}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) setup() error {
	if m == nil || m.db == nil {
		return errors.New("migrate: database is required")
	}
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect(m.dialect); err != nil {
		return fmt.Errorf("migrate: dialect: %w", err)
	}
	return nil
}

// Up applies all pending migrations.
func (m *Manager) Up(ctx context.Context) error {
	setupMu.Lock()
	defer setupMu.Unlock()
	if err := m.setup(); err != nil {
		return err
	}
	if err := gooseUp(ctx, m.db, dir); err != nil {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}

// Down rolls back the most recent migration.
func (m *Manager) Down(ctx context.Context) error {
	setupMu.Lock()
	defer setupMu.Unlock()
	if err := m.setup(); err != nil {
		return err
	}
	if err := gooseDown(ctx, m.db, dir); err != nil {
		return fmt.Errorf("migrate: down: %w", err)
	}
	return nil
}

// Version reports the current schema version.
func (m *Manager) Version(ctx context.Context) (int64, error) {
	setupMu.Lock()
	defer setupMu.Unlock()
	if err := m.setup(); err != nil {
		return 0, err
	}
	v, err := gooseVersion(ctx, m.db)
	if err != nil {
		return 0, fmt.Errorf("migrate: version: %w", err)
	}
	return v, nil
}

// Files lists the embedded migration files in apply order.
func Files() ([]string, error) {
	entries, err := migrations.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out, nil
}
