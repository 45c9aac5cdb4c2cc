package database

import (
	"context"
	"os"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/scaleproject/scale/internal/common/util"
)

// TestPostgresEnvVar names the environment variable holding the connection string of a postgres server that
// database tests may create scratch databases on. Tests needing postgres are skipped when it is unset.
const TestPostgresEnvVar = "SCALE_TEST_POSTGRES"

// TestDbAvailable reports whether a postgres server has been configured for tests.
func TestDbAvailable() bool {
	return os.Getenv(TestPostgresEnvVar) != ""
}

// WithTestDb creates a dedicated database, applies migrations to it and runs action against it.
// The database is dropped afterwards.
func WithTestDb(migrations []Migration, action func(db *pgxpool.Pool) error) error {
	ctx := context.Background()
	connectionString := os.Getenv(TestPostgresEnvVar)
	if connectionString == "" {
		return errors.Errorf("%s is not set", TestPostgresEnvVar)
	}

	dbName := "test_" + util.NewULID()
	admin, err := pgx.Connect(ctx, connectionString)
	if err != nil {
		return errors.WithStack(err)
	}
	defer admin.Close(ctx)

	if _, err := admin.Exec(ctx, "CREATE DATABASE "+dbName); err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		_, err := admin.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid) FROM pg_stat_activity WHERE pg_stat_activity.datname = $1`, dbName)
		if err != nil {
			log.WithError(err).Warn("Failed to disconnect test database users")
		}
		if _, err := admin.Exec(ctx, "DROP DATABASE "+dbName); err != nil {
			log.WithError(err).Warn("Failed to drop test database")
		}
	}()

	testDbPool, err := pgxpool.Connect(ctx, connectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}
	defer testDbPool.Close()

	if err := UpdateDatabase(ctx, testDbPool, migrations); err != nil {
		return err
	}
	return action(testDbPool)
}
