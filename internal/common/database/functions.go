package database

import (
	"context"
	"sort"
	"strings"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/scaleproject/scale/internal/common/config"
)

// CreateConnectionString renders a libpq keyword/value connection string.
// Keys are emitted in sorted order so the result is stable.
func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/current/libpq-connect.html#LIBPQ-CONNSTRING
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"='"+replacer.Replace(values[k])+"'")
	}
	return strings.Join(parts, " ")
}

func OpenPgxPool(ctx context.Context, config config.PostgresConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(CreateConnectionString(config.Connection))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if config.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = config.ConnMaxLifetime
	}
	db, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, errors.WithStack(err)
	}
	return db, nil
}
