package database

import (
	"context"
	"database/sql"
	"fmt"
)

// requiredColumns lists the columns the store adapters read and write.
var requiredColumns = map[string][]string{
	"users":     {"id", "email", "display_name", "created_at"},
	"locations": {"user_id", "latitude", "longitude", "updated_at"},
}

// SchemaValidator checks that the live schema carries what the adapters
// need. It works against both SQLite and PostgreSQL.
type SchemaValidator struct {
	db     *sql.DB
	driver string
}

// NewSchemaValidator creates a validator for db.
func NewSchemaValidator(db *sql.DB, driver string) *SchemaValidator {
	return &SchemaValidator{db: db, driver: driver}
}

// Validate checks every required table and column.
func (v *SchemaValidator) Validate(ctx context.Context) error {
	if err := v.ValidateTablesExist(ctx); err != nil {
		return err
	}
	return v.ValidateColumns(ctx)
}

// ValidateTablesExist verifies that all required tables exist.
func (v *SchemaValidator) ValidateTablesExist(ctx context.Context) error {
	for table := range requiredColumns {
		exists, err := v.tableExists(ctx, table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateColumns verifies that every required column is present.
func (v *SchemaValidator) ValidateColumns(ctx context.Context) error {
	for table, columns := range requiredColumns {
		found, err := v.columns(ctx, table)
		if err != nil {
			return fmt.Errorf("error reading columns of %s: %w", table, err)
		}
		for _, col := range columns {
			if !found[col] {
				return fmt.Errorf("table %s is missing column %s", table, col)
			}
		}
	}
	return nil
}

func (v *SchemaValidator) tableExists(ctx context.Context, table string) (bool, error) {
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
	if v.driver == DriverPostgres {
		query = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1"
	}

	var count int
	if err := v.db.QueryRowContext(ctx, query, table).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) columns(ctx context.Context, table string) (map[string]bool, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if v.driver == DriverPostgres {
		rows, err = v.db.QueryContext(ctx,
			"SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1",
			table)
	} else {
		rows, err = v.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		found[name] = true
	}
	return found, rows.Err()
}
