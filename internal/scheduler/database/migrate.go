package database

import (
	"context"
	"embed"
	"time"

	"github.com/jackc/pgtype/pgxtype"
	"github.com/jackc/pgx/v4/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/scaleproject/scale/internal/common/database"
)

//go:embed migrations/*.sql
var fs embed.FS

// Migrate brings the scheduler schema up to date. Running it against an up to date database is a no-op.
func Migrate(ctx context.Context, db pgxtype.Querier) error {
	start := time.Now()
	migrations, err := database.ReadMigrations(fs, "migrations")
	if err != nil {
		return err
	}
	if err := database.UpdateDatabase(ctx, db, migrations); err != nil {
		return err
	}
	log.Infof("Updated scheduler database in %s", time.Since(start))
	return nil
}

// WithTestDb runs action against a freshly migrated scratch database that is dropped afterwards.
func WithTestDb(action func(db *pgxpool.Pool) error) error {
	migrations, err := database.ReadMigrations(fs, "migrations")
	if err != nil {
		return err
	}
	return database.WithTestDb(migrations, action)
}
