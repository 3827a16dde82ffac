package migrate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pledgeline/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(conn))
	require.NoError(t, Migrate(conn))

	var version int
	require.NoError(t, conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version))
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.Equal(t, migrations[len(migrations)-1].Version, version)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT count(*) FROM tasks`).Scan(&n))
	require.Zero(t, n)
}
