package migrate

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archiflow/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	v, err := Version(conn)
	require.Error(t, err, "schema_version does not exist before the first run")
	assert.Zero(t, v)

	require.NoError(t, Migrate(conn))
	require.NoError(t, Migrate(conn))

	v, err = Version(conn)
	require.NoError(t, err)
	all, err := loadMigrations(migrationsFS)
	require.NoError(t, err)
	assert.Equal(t, all[len(all)-1].Version, v)

	_, err = conn.Exec(`INSERT INTO contracts(id,client_name,start_date,end_date,value,status,created_at,updated_at)
		VALUES ('C1','Client','2026-01-01','2026-12-31',-1,'Draft','t','t')`)
	assert.Error(t, err, "negative value violates the table check")
}

func TestLoadMigrationsOrdersAndRejectsDuplicates(t *testing.T) {
	ms, err := loadMigrations(fstest.MapFS{
		"sql/002_b.sql": {Data: []byte("SELECT 2;")},
		"sql/001_a.sql": {Data: []byte("SELECT 1;")},
	})
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "001_a.sql", ms[0].Name)

	_, err = loadMigrations(fstest.MapFS{
		"sql/001_a.sql":     {Data: []byte("SELECT 1;")},
		"sql/001_again.sql": {Data: []byte("SELECT 1;")},
	})
	assert.ErrorContains(t, err, "duplicate migration version 1")

	_, err = loadMigrations(fstest.MapFS{"sql/init.sql": {Data: []byte("SELECT 1;")}})
	assert.ErrorContains(t, err, "invalid migration filename")
}
