package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairbot/internal/model"
	"github.com/whisper/pairbot/internal/store"
	"github.com/whisper/pairbot/internal/store/storetest"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pairbot.db")
	s, err := Open(context.Background(), DialectSQLite, SQLiteDSN(path))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance_SQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newSQLiteStore(t) })
}

// PAIRBOT_POSTGRES_DSN points at a disposable database; the suite truncates it.
func TestConformance_Postgres(t *testing.T) {
	dsn := os.Getenv("PAIRBOT_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PAIRBOT_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(context.Background(), DialectPostgres, dsn)
		require.NoError(t, err)
		_, err = s.db.Exec(`TRUNCATE users, chat_sessions, required_groups, admins, message_logs`)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestOpen_UnknownDialect(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "")
	require.Error(t, err)
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairbot.db")
	ctx := context.Background()

	s, err := Open(ctx, DialectSQLite, SQLiteDSN(path))
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, model.User{ID: 1, CreatedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, DialectSQLite, SQLiteDSN(path))
	require.NoError(t, err)
	defer s.Close()

	u, err := s.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.ID)
}

func TestEndSession_OneSidedLink(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	storetest.Seeker(t, s, 1, model.GenderMale)
	storetest.Seeker(t, s, 2, model.GenderFemale)

	_, err := s.db.Exec(`UPDATE users SET chat_partner = 2, looking_for_chat = 0 WHERE user_id = 1`)
	require.NoError(t, err)

	partner, err := s.EndSession(ctx, 1, time.Now())
	require.ErrorIs(t, err, store.ErrInconsistent)
	assert.Equal(t, int64(2), partner)

	u, err := s.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, u.ChatPartner)
}
