package kaeru

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestKVStore creates a KVStore backed by a throwaway SQLite file.
func newTestKVStore(t testing.TB) KVStore {
	t.Helper()
	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "test.sqlite3"),
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return NewKVStore(db, nil, false)
}

func TestKVStoreRoundtrip(t *testing.T) {
	t.Parallel()
	store := newTestKVStore(t)
	ctx := context.Background()

	in := GuildTicketConfig{
		TicketChannelID: "123",
		StaffRoleID:     "456",
		DefaultMessage:  "hi there",
	}
	require.NoError(t, store.Set(ctx, guildKey("guild-a"), in))

	var out GuildTicketConfig
	require.NoError(t, store.Get(ctx, guildKey("guild-a"), &out))
	assert.Equal(t, in, out)

	// Overwrite replaces the record
	in.DefaultMessage = "updated"
	require.NoError(t, store.Set(ctx, guildKey("guild-a"), in))
	require.NoError(t, store.Get(ctx, guildKey("guild-a"), &out))
	assert.Equal(t, "updated", out.DefaultMessage)
}

func TestKVStoreGetMissingKey(t *testing.T) {
	t.Parallel()
	store := newTestKVStore(t)

	var out Ticket
	err := store.Get(context.Background(), ticketKey("nope"), &out)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestKVStoreDelete(t *testing.T) {
	t.Parallel()
	store := newTestKVStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "some-key", CaseCounter{Count: 3}))
	require.NoError(t, store.Delete(ctx, "some-key"))

	err := store.Get(ctx, "some-key", &CaseCounter{})
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Deleting a missing key is not an error
	assert.NoError(t, store.Delete(ctx, "never-existed"))
}

func TestKVStoreKeysAreIndependent(t *testing.T) {
	t.Parallel()
	store := newTestKVStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, counterKey("g1"), CaseCounter{Count: 1}))
	require.NoError(t, store.Set(ctx, counterKey("g2"), CaseCounter{Count: 7}))

	var c1, c2 CaseCounter
	require.NoError(t, store.Get(ctx, counterKey("g1"), &c1))
	require.NoError(t, store.Get(ctx, counterKey("g2"), &c2))
	assert.Equal(t, 1, c1.Count)
	assert.Equal(t, 7, c2.Count)
}

func TestCreateDBRejectsUnknownType(t *testing.T) {
	t.Parallel()
	_, err := CreateDB(context.Background(), "mysql", "whatever")
	assert.Error(t, err)
}
