package database

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateConnectionString(t *testing.T) {
	connection := CreateConnectionString(map[string]string{
		"user":     "scale",
		"host":     "localhost",
		"password": `it's\secret`,
	})
	assert.Equal(t, `host='localhost' password='it\'s\\secret' user='scale'`, connection)
}

func TestReadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_second.sql": {Data: []byte("SELECT 2;")},
		"migrations/001_first.sql":  {Data: []byte("SELECT 1;")},
		"migrations/README.md":      {Data: []byte("ignored")},
	}
	migrations, err := ReadMigrations(fsys, "migrations")
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, Migration{Id: 1, Name: "001_first.sql", Sql: "SELECT 1;"}, migrations[0])
	assert.Equal(t, 2, migrations[1].Id)
}

func TestReadMigrations_BadName(t *testing.T) {
	fsys := fstest.MapFS{"migrations/first.sql": {Data: []byte("SELECT 1;")}}
	_, err := ReadMigrations(fsys, "migrations")
	assert.Error(t, err)
}
