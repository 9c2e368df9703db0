package db

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/db/migrations"
)

func TestMigrationsEmbedded(t *testing.T) {
	names, err := fs.Glob(migrations.FS, "*.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"00001_init.sql", "00002_messages.sql"}, names)

	body, err := fs.ReadFile(migrations.FS, "00002_messages.sql")
	require.NoError(t, err)
	assert.Contains(t, string(body), "messages_sender_client_id_uniq")
}

func TestRunMigrationsUsesEmbeddedDir(t *testing.T) {
	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	orig := gooseUp
	t.Cleanup(func() { gooseUp = orig })

	var gotDir string
	gooseUp = func(ctx context.Context, db *sql.DB, dir string) error {
		gotDir = dir
		return nil
	}

	require.NoError(t, RunMigrations(context.Background(), sqlx.NewDb(mockDB, "postgres")))
	assert.Equal(t, ".", gotDir)
}

func TestRunMigrationsPropagatesError(t *testing.T) {
	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	orig := gooseUp
	t.Cleanup(func() { gooseUp = orig })

	boom := errors.New("boom")
	gooseUp = func(ctx context.Context, db *sql.DB, dir string) error { return boom }

	err = RunMigrations(context.Background(), sqlx.NewDb(mockDB, "postgres"))
	assert.ErrorIs(t, err, boom)
}
