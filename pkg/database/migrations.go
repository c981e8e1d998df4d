package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationsDir = "migrations"

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// MigrationManager applies the embedded schema migrations with goose.
type MigrationManager struct {
	db     *sql.DB
	driver string
}

// NewMigrationManager binds a manager to db. driver is a Driver* constant.
func NewMigrationManager(db *sql.DB, driver string) *MigrationManager {
	return &MigrationManager{db: db, driver: driver}
}

// ApplyMigrations brings the schema up to the latest version.
func (m *MigrationManager) ApplyMigrations(ctx context.Context) error {
	if err := m.setup(); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, m.db, migrationsDir); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Version returns the latest applied migration version.
func (m *MigrationManager) Version(ctx context.Context) (int64, error) {
	if err := m.setup(); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, m.db)
}

func (m *MigrationManager) setup() error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect(m.driver); err != nil {
		return fmt.Errorf("unsupported migration dialect %q: %w", m.driver, err)
	}
	goose.SetLogger(goose.NopLogger())
	return nil
}
