package repository

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

func gooseDialect(driver string) (goose.Dialect, error) {
	switch driver {
	case "sqlite":
		return goose.DialectSQLite3, nil
	case "postgres":
		return goose.DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported driver: %s", driver)
	}
}

func newMigrationProvider(db *sql.DB, driver string) (*goose.Provider, error) {
	dialect, err := gooseDialect(driver)
	if err != nil {
		return nil, err
	}
	migrations, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return nil, err
	}
	return goose.NewProvider(dialect, db, migrations)
}

func (r *SQLRepository) migrate() error {
	provider, err := newMigrationProvider(r.db, r.driver)
	if err != nil {
		return err
	}
	_, err = provider.Up(context.Background())
	return err
}

// SchemaVersion returns the applied migration version.
func (r *SQLRepository) SchemaVersion(ctx context.Context) (int64, error) {
	provider, err := newMigrationProvider(r.db, r.driver)
	if err != nil {
		return 0, err
	}
	return provider.GetDBVersion(ctx)
}

// RunMigrations runs a goose command (up, down, status, version, redo)
// against the configured database without opening a repository.
func RunMigrations(ctx context.Context, cfg domain.RepositoryConfig, command string, args ...string) error {
	db, err := open(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	dialect, err := gooseDialect(cfg.Driver)
	if err != nil {
		return err
	}
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect(string(dialect)); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, "migrations", args...)
}
