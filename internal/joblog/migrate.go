package joblog

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/wonny/tradeflow/pkg/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// migrationsTable keeps our version row apart from other schemas in the database
const migrationsTable = "tradeflow_schema_migrations"

// Migrate applies pending job log migrations to the database at url
func Migrate(url string, log *logger.Logger) error {
	log = log.Module("joblog")

	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open job log migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(url))
	if err != nil {
		return fmt.Errorf("init job log migrations: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Debug("Job log schema up to date")
		return nil
	case err != nil:
		return fmt.Errorf("migrate job logs: %w", err)
	}

	version, _, _ := m.Version()
	log.WithField("version", int(version)).Info("Job log migrations applied")
	return nil
}

// migrateURL points a postgres URL at the pgx/v5 migrate driver
func migrateURL(url string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(url, scheme) {
			url = "pgx5://" + strings.TrimPrefix(url, scheme)
			break
		}
	}

	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "x-migrations-table=" + migrationsTable
}
