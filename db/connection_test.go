package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestOpen(t *testing.T) {
	t.Run("applies pragmas on every connection", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		defer db.Close()

		var journalMode string
		require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
		assert.Equal(t, "wal", journalMode)

		var foreignKeys int
		require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
		assert.Equal(t, 1, foreignKeys)

		var busyTimeout int
		require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)
	})

	t.Run("in-memory database uses a single connection", func(t *testing.T) {
		db, err := Open(":memory:", nil)
		require.NoError(t, err)
		defer db.Close()

		assert.Equal(t, 1, db.Stats().MaxOpenConnections)
	})

	t.Run("returns error for unreachable path", func(t *testing.T) {
		db, err := Open("/nonexistent/dir/for/reportd/test.db", nil)
		require.Error(t, err)
		assert.Nil(t, db)
	})
}

func TestDSN(t *testing.T) {
	assert.Equal(t,
		"file:/tmp/x.db?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate&_journal_mode=WAL",
		dsn("/tmp/x.db"))
	assert.Equal(t,
		"file::memory:?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate",
		dsn(":memory:"))
}

func TestIsDatabaseClosed(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "closed.db"), nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = db.Exec("SELECT 1")
	assert.True(t, IsDatabaseClosed(err))
	assert.False(t, IsDatabaseClosed(nil))
}
