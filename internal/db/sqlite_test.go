package db

import (
	"path/filepath"
	"testing"
	"time"

	"chat-relay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func (d *Database) countMessages(t *testing.T, conversationID int64) int {
	t.Helper()
	var n int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestInitIsIdempotent(t *testing.T) {
	d := newTestDB(t)
	require.NoError(t, d.Init())
	require.NoError(t, d.Init())
}

func TestGetConversationsExcludesArchived(t *testing.T) {
	d := newTestDB(t)

	active, err := d.CreateConversation("active")
	require.NoError(t, err)
	archived, err := d.CreateConversation("archived")
	require.NoError(t, err)

	_, err = d.db.Exec(`UPDATE conversations SET is_archived = 1 WHERE id = ?`, archived)
	require.NoError(t, err)

	conversations := d.GetConversations()
	require.Len(t, conversations, 1)
	assert.Equal(t, active, conversations[0].ID)
	assert.Equal(t, "active", conversations[0].Title)
}

func TestGetConversationsOrderedByUpdatedAt(t *testing.T) {
	d := newTestDB(t)

	first, err := d.CreateConversation("first")
	require.NoError(t, err)
	second, err := d.CreateConversation("second")
	require.NoError(t, err)

	// Touch the older conversation so it becomes the most recently updated.
	require.NoError(t, d.AddMessage(first, models.RoleUser, "hello"))

	conversations := d.GetConversations()
	require.Len(t, conversations, 2)
	assert.Equal(t, first, conversations[0].ID)
	assert.Equal(t, second, conversations[1].ID)
}

func TestAddMessageSkipsDuplicate(t *testing.T) {
	d := newTestDB(t)

	conv, err := d.CreateConversation("dup test")
	require.NoError(t, err)

	require.NoError(t, d.AddMessage(conv, models.RoleUser, "hello"))
	require.NoError(t, d.AddMessage(conv, models.RoleUser, "hello"))

	assert.Equal(t, 1, d.countMessages(t, conv))
}

func TestAddMessageDistinctContentStored(t *testing.T) {
	d := newTestDB(t)

	conv, err := d.CreateConversation("chat")
	require.NoError(t, err)

	require.NoError(t, d.AddMessage(conv, models.RoleUser, "hello"))
	require.NoError(t, d.AddMessage(conv, models.RoleAssistant, "hello"))
	require.NoError(t, d.AddMessage(conv, models.RoleUser, "how are you?"))

	assert.Equal(t, 3, d.countMessages(t, conv))
}

func TestAddMessageConversationNotFound(t *testing.T) {
	d := newTestDB(t)

	err := d.AddMessage(5, models.RoleUser, "hello")
	require.ErrorIs(t, err, ErrConversationNotFound)
	assert.Equal(t, 0, d.countMessages(t, 5))
}

func TestAddMessageUpdatesConversationTimestamp(t *testing.T) {
	d := newTestDB(t)

	conv, err := d.CreateConversation("chat")
	require.NoError(t, err)

	var before time.Time
	require.NoError(t, d.db.QueryRow(
		`SELECT updated_at FROM conversations WHERE id = ?`, conv).Scan(&before))

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, d.AddMessage(conv, models.RoleUser, "hello"))

	var after time.Time
	require.NoError(t, d.db.QueryRow(
		`SELECT updated_at FROM conversations WHERE id = ?`, conv).Scan(&after))

	assert.True(t, after.After(before), "updated_at should advance on message insert")
}

func TestGetConversationMessagesFiltersStaleDuplicates(t *testing.T) {
	d := newTestDB(t)

	conv, err := d.CreateConversation("history")
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	insert := func(role, content string, ts time.Time) {
		_, err := d.db.Exec(`
            INSERT INTO messages (conversation_id, role, content, timestamp)
            VALUES (?, ?, ?, ?)`, conv, role, content, ts)
		require.NoError(t, err)
	}

	insert(models.RoleUser, "hello", base)
	insert(models.RoleAssistant, "hi there", base.Add(time.Second))
	// Stale duplicate of the first message, written later by a buggy retry.
	insert(models.RoleUser, "hello", base.Add(2*time.Second))
	insert(models.RoleUser, "bye", base.Add(3*time.Second))

	messages := d.GetConversationMessages(conv)
	require.Len(t, messages, 3)

	assert.Equal(t, "hi there", messages[0].Content)
	assert.Equal(t, "hello", messages[1].Content)
	assert.Equal(t, "bye", messages[2].Content)

	for i := 1; i < len(messages); i++ {
		assert.False(t, messages[i].Timestamp.Before(messages[i-1].Timestamp),
			"messages must be ordered by timestamp ascending")
	}
}

func TestGetConversationMessagesEmptyConversation(t *testing.T) {
	d := newTestDB(t)

	conv, err := d.CreateConversation("empty")
	require.NoError(t, err)

	assert.Empty(t, d.GetConversationMessages(conv))
}

func TestDeleteConversationCascades(t *testing.T) {
	d := newTestDB(t)

	conv, err := d.CreateConversation("doomed")
	require.NoError(t, err)
	require.NoError(t, d.AddMessage(conv, models.RoleUser, "hello"))
	require.NoError(t, d.AddMessage(conv, models.RoleAssistant, "hi"))

	assert.True(t, d.DeleteConversation(conv))
	assert.Empty(t, d.GetConversationMessages(conv))
	assert.Equal(t, 0, d.countMessages(t, conv))
	assert.Empty(t, d.GetConversations())
}

func TestUpdateConversationTitle(t *testing.T) {
	d := newTestDB(t)

	conv, err := d.CreateConversation("old title")
	require.NoError(t, err)
	require.NoError(t, d.UpdateConversationTitle(conv, "new title"))

	conversations := d.GetConversations()
	require.Len(t, conversations, 1)
	assert.Equal(t, "new title", conversations[0].Title)
}

func TestCleanupDuplicateMessagesKeepsHighestID(t *testing.T) {
	d := newTestDB(t)

	conv, err := d.CreateConversation("dups")
	require.NoError(t, err)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		_, err := d.db.Exec(`
            INSERT INTO messages (conversation_id, role, content, timestamp)
            VALUES (?, ?, ?, ?)`, conv, models.RoleUser, "same", ts)
		require.NoError(t, err)
	}

	require.NoError(t, d.CleanupDuplicateMessages())

	rows, err := d.db.Query(
		`SELECT id FROM messages WHERE conversation_id = ?`, conv)
	require.NoError(t, err)
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	require.Len(t, ids, 1)

	var maxID int64
	require.NoError(t, d.db.QueryRow(`SELECT MAX(id) FROM messages`).Scan(&maxID))
	assert.Equal(t, maxID, ids[0])
}

func TestCleanupDatabaseRemovesOrphanedMessages(t *testing.T) {
	d := newTestDB(t)

	conv, err := d.CreateConversation("kept")
	require.NoError(t, err)
	require.NoError(t, d.AddMessage(conv, models.RoleUser, "kept message"))

	_, err = d.db.Exec(`
        INSERT INTO messages (conversation_id, role, content) VALUES (999, 'user', 'orphan')`)
	require.NoError(t, err)

	require.NoError(t, d.CleanupDatabase())

	assert.Equal(t, 0, d.countMessages(t, 999))
	assert.Equal(t, 1, d.countMessages(t, conv))
}
