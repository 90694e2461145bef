package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func mustCreateUser(t *testing.T, database *DB, name string) int64 {
	t.Helper()
	id, err := database.CreateUser(context.Background(), name, "hash-"+name, name+"@example.com")
	require.NoError(t, err)
	return id
}

func TestUsers(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	id := mustCreateUser(t, database, "alice")
	assert.Equal(t, int64(1), id)

	_, err := database.CreateUser(ctx, "alice", "other", "")
	assert.ErrorIs(t, err, ErrUsernameTaken)

	exists, err := database.UsernameExists(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = database.UsernameExists(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, exists)

	u, err := database.UserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)
	assert.Equal(t, "hash-alice", u.PasswordHash)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.Nil(t, u.LastSeen)

	_, err = database.UserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNoRows)
	_, err = database.UserByID(ctx, 99)
	assert.ErrorIs(t, err, ErrNoRows)

	seen := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, database.UpdateLastSeen(ctx, id, seen))
	u, err = database.UserByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, u.LastSeen)
	assert.True(t, seen.Equal(*u.LastSeen))

	assert.ErrorIs(t, database.UpdateLastSeen(ctx, 99, seen), ErrNoRows)

	count, err := database.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGroups(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	alice := mustCreateUser(t, database, "alice")
	bob := mustCreateUser(t, database, "bob")
	carol := mustCreateUser(t, database, "carol")

	g, err := database.CreateGroup(ctx, "team", alice)
	require.NoError(t, err)
	assert.Equal(t, "team", g.Name)
	assert.Equal(t, alice, g.CreatedBy)

	member, err := database.IsGroupMember(ctx, g.ID, alice)
	require.NoError(t, err)
	assert.True(t, member, "creator is a member right after creation")

	require.NoError(t, database.AddGroupMember(ctx, g.ID, bob))
	require.NoError(t, database.AddGroupMember(ctx, g.ID, bob), "adding twice is a no-op")

	names, err := database.GroupMemberNames(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, names)

	ids, err := database.GroupMemberIDs(ctx, g.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{alice, bob}, ids)

	member, err = database.IsGroupMember(ctx, g.ID, carol)
	require.NoError(t, err)
	assert.False(t, member)

	groups, err := database.UserGroups(ctx, bob)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, g.ID, groups[0].ID)

	groups, err = database.UserGroups(ctx, carol)
	require.NoError(t, err)
	assert.Empty(t, groups)

	require.NoError(t, database.RenameGroup(ctx, g.ID, "renamed"))
	got, err := database.GroupByID(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	assert.ErrorIs(t, database.RenameGroup(ctx, 42, "x"), ErrNoRows)
	_, err = database.GroupByID(ctx, 42)
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestMessageHistory(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	alice := mustCreateUser(t, database, "alice")
	bob := mustCreateUser(t, database, "bob")
	carol := mustCreateUser(t, database, "carol")
	g, err := database.CreateGroup(ctx, "team", alice)
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	save := func(m models.Message) {
		t.Helper()
		_, err := database.SaveMessage(ctx, &m)
		require.NoError(t, err)
	}

	save(models.Message{SenderID: alice, ReceiverID: &bob, Content: "c1", SentAt: base})
	save(models.Message{SenderID: bob, ReceiverID: &alice, Content: "c2", SentAt: base.Add(time.Second)})
	save(models.Message{SenderID: alice, ReceiverID: &carol, Content: "other", SentAt: base.Add(2 * time.Second)})
	save(models.Message{SenderID: alice, ReceiverID: &bob, Content: "c3", Type: models.TypeFile, FilePath: "uploads/x.pdf", SentAt: base.Add(3 * time.Second)})
	save(models.Message{SenderID: alice, GroupID: &g.ID, Content: "g1", SentAt: base.Add(4 * time.Second)})
	save(models.Message{SenderID: bob, Content: "everyone", SentAt: base.Add(5 * time.Second)})

	history, err := database.ChatHistory(ctx, bob, alice, 50)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "c3", history[0].Content, "newest first")
	assert.Equal(t, models.TypeFile, history[0].Type)
	assert.Equal(t, "uploads/x.pdf", history[0].FilePath)
	assert.Equal(t, "alice", history[0].SenderName)
	assert.Equal(t, "bob", history[0].ReceiverName)
	assert.Equal(t, "c1", history[2].Content)
	assert.Equal(t, models.TypeText, history[2].Type)

	history, err = database.ChatHistory(ctx, alice, bob, 2)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	groupHistory, err := database.GroupMessages(ctx, g.ID, 50)
	require.NoError(t, err)
	require.Len(t, groupHistory, 1)
	assert.Equal(t, "g1", groupHistory[0].Content)
	require.NotNil(t, groupHistory[0].GroupID)
	assert.Nil(t, groupHistory[0].ReceiverID)

	broadcast, err := database.BroadcastMessages(ctx, 50)
	require.NoError(t, err)
	require.Len(t, broadcast, 1)
	assert.Equal(t, "everyone", broadcast[0].Content)
	assert.Equal(t, "bob", broadcast[0].SenderName)

	count, err := database.CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, count)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	first, err := New(path)
	require.NoError(t, err)
	_, err = first.CreateUser(context.Background(), "alice", "h", "")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(path)
	require.NoError(t, err)
	defer second.Close()

	exists, err := second.UsernameExists(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", pg.rebind("SELECT 1 WHERE a = ? AND b = ?"))

	lite := &DB{driver: DriverSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "x")
	assert.Error(t, err)
}
