package database

import (
	"context"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgtype/pgxtype"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Migration is one numbered sql script. Scripts are applied in id order and each exactly once.
type Migration struct {
	Id   int
	Name string
	Sql  string
}

// UpdateDatabase applies every migration whose id is greater than the version recorded in the database_version
// sequence.
func UpdateDatabase(ctx context.Context, db pgxtype.Querier, migrations []Migration) error {
	log.Info("Updating postgres...")
	version, err := readVersion(ctx, db)
	if err != nil {
		return err
	}
	log.Infof("Current version %d", version)

	for _, m := range migrations {
		if m.Id <= version {
			continue
		}
		log.Infof("Applying migration %s", m.Name)
		if _, err := db.Exec(ctx, m.Sql); err != nil {
			return errors.Wrapf(err, "error applying migration %s", m.Name)
		}
		version = m.Id
		if err := setVersion(ctx, db, version); err != nil {
			return err
		}
	}
	log.Infof("Database updated to version %d", version)
	return nil
}

func readVersion(ctx context.Context, db pgxtype.Querier) (int, error) {
	_, err := db.Exec(ctx, `CREATE SEQUENCE IF NOT EXISTS database_version START WITH 0 MINVALUE 0;`)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	var version int
	err = db.QueryRow(ctx, `SELECT last_value FROM database_version`).Scan(&version)
	return version, errors.WithStack(err)
}

func setVersion(ctx context.Context, db pgxtype.Querier, version int) error {
	_, err := db.Exec(ctx, `SELECT setval('database_version', $1)`, version)
	return errors.WithStack(err)
}

// ReadMigrations loads every <id>_<name>.sql file in dir of fsys, sorted by id.
func ReadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		id, err := strconv.Atoi(strings.Split(entry.Name(), "_")[0])
		if err != nil {
			return nil, errors.Wrapf(err, "migration %s does not start with a numeric id", entry.Name())
		}
		contents, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		migrations = append(migrations, Migration{Id: id, Name: entry.Name(), Sql: string(contents)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Id < migrations[j].Id })
	return migrations, nil
}
