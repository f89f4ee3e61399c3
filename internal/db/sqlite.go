package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chat-relay/internal/models"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ErrConversationNotFound is returned by AddMessage when the target
// conversation does not exist.
var ErrConversationNotFound = errors.New("conversation not found")

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    is_archived BOOLEAN DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id INTEGER,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id)
);`

type Database struct {
	db     *sql.DB
	logger *zap.Logger
}

func New(dbPath string, logger *zap.Logger) (*Database, error) {
	sqlDB, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	d := &Database{db: sqlDB, logger: logger}
	if err := d.Init(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// Init creates the schema if absent and runs a cleanup pass. Safe to call on
// every process start.
func (d *Database) Init() error {
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	d.logger.Info("database initialized")
	return d.CleanupDatabase()
}

func (d *Database) Close() error {
	return d.db.Close()
}

// CleanupDatabase removes messages whose conversation no longer exists, then
// collapses exact-duplicate message rows.
func (d *Database) CleanupDatabase() error {
	_, err := d.db.Exec(`
        DELETE FROM messages
        WHERE conversation_id NOT IN (SELECT id FROM conversations)`)
	if err != nil {
		d.logger.Error("failed to remove orphaned messages", zap.Error(err))
		return fmt.Errorf("failed to remove orphaned messages: %w", err)
	}

	if err := d.CleanupDuplicateMessages(); err != nil {
		return err
	}

	d.logger.Info("database cleanup completed")
	return nil
}

// CleanupDuplicateMessages deletes rows sharing (conversation_id, role,
// content, timestamp), keeping the highest id in each group.
func (d *Database) CleanupDuplicateMessages() error {
	_, err := d.db.Exec(`
        DELETE FROM messages
        WHERE id NOT IN (
            SELECT MAX(id)
            FROM messages
            GROUP BY conversation_id, role, content, timestamp
        )`)
	if err != nil {
		d.logger.Error("failed to cleanup duplicate messages", zap.Error(err))
		return fmt.Errorf("failed to cleanup duplicate messages: %w", err)
	}
	return nil
}

// GetConversations returns all non-archived conversations, most recently
// updated first. A read failure is logged and reported as an empty list.
func (d *Database) GetConversations() []models.Conversation {
	rows, err := d.db.Query(`
        SELECT id, title, created_at, updated_at, is_archived
        FROM conversations
        WHERE NOT is_archived
        ORDER BY updated_at DESC`)
	if err != nil {
		d.logger.Error("failed to get conversations", zap.Error(err))
		return []models.Conversation{}
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt, &conv.IsArchived); err != nil {
			d.logger.Error("failed to scan conversation", zap.Error(err))
			return []models.Conversation{}
		}
		conversations = append(conversations, conv)
	}
	return conversations
}

// GetConversationMessages returns the messages of a conversation ordered by
// timestamp then id. Where the same (role, content) pair was stored more than
// once, only the latest copy is returned; stale duplicates left behind by
// earlier bugs are filtered at read time.
func (d *Database) GetConversationMessages(conversationID int64) []models.Message {
	rows, err := d.db.Query(`
        WITH RankedMessages AS (
            SELECT
                id, conversation_id, role, content, timestamp,
                ROW_NUMBER() OVER (
                    PARTITION BY conversation_id, role, content
                    ORDER BY timestamp DESC, id DESC
                ) AS rn
            FROM messages
            WHERE conversation_id = ?
        )
        SELECT id, conversation_id, role, content, timestamp
        FROM RankedMessages
        WHERE rn = 1
        ORDER BY timestamp ASC, id ASC`, conversationID)
	if err != nil {
		d.logger.Error("failed to get conversation messages",
			zap.Error(err),
			zap.Int64("conversationID", conversationID))
		return []models.Message{}
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConvID, &msg.Role, &msg.Content, &msg.Timestamp); err != nil {
			d.logger.Error("failed to scan message", zap.Error(err))
			return []models.Message{}
		}
		messages = append(messages, msg)
	}
	return messages
}

func (d *Database) CreateConversation(title string) (int64, error) {
	var id int64
	err := d.db.QueryRow(`
        INSERT INTO conversations (title) VALUES (?)
        RETURNING id`, title).Scan(&id)
	if err != nil {
		d.logger.Error("failed to create conversation", zap.Error(err))
		return 0, fmt.Errorf("failed to create conversation: %w", err)
	}
	d.logger.Info("created conversation", zap.Int64("conversationID", id))
	return id, nil
}

// AddMessage appends a message to a conversation and bumps its updated_at.
// If the same (role, content) pair is already stored in the conversation the
// insert is skipped, so a retried client submission does not produce a second
// row. The check and the insert are not atomic against concurrent writers;
// CleanupDuplicateMessages heals anything that races past.
func (d *Database) AddMessage(conversationID int64, role, content string) error {
	tx, err := d.db.Begin()
	if err != nil {
		d.logger.Error("failed to begin transaction", zap.Error(err))
		return fmt.Errorf("failed to add message: %w", err)
	}
	defer tx.Rollback()

	var exists int64
	err = tx.QueryRow(`SELECT id FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrConversationNotFound, conversationID)
	}
	if err != nil {
		d.logger.Error("failed to verify conversation", zap.Error(err))
		return fmt.Errorf("failed to add message: %w", err)
	}

	var dup int64
	err = tx.QueryRow(`
        SELECT id FROM messages
        WHERE conversation_id = ? AND role = ? AND content = ?
        ORDER BY timestamp DESC LIMIT 1`, conversationID, role, content).Scan(&dup)
	if err == nil {
		d.logger.Info("skipped duplicate message",
			zap.Int64("conversationID", conversationID),
			zap.String("role", role))
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		d.logger.Error("failed to check for duplicate message", zap.Error(err))
		return fmt.Errorf("failed to add message: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(`
        INSERT INTO messages (conversation_id, role, content, timestamp)
        VALUES (?, ?, ?, ?)`, conversationID, role, content, now); err != nil {
		d.logger.Error("failed to insert message", zap.Error(err))
		return fmt.Errorf("failed to add message: %w", err)
	}
	if _, err := tx.Exec(`
        UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID); err != nil {
		d.logger.Error("failed to update conversation timestamp", zap.Error(err))
		return fmt.Errorf("failed to add message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		d.logger.Error("failed to commit message", zap.Error(err))
		return fmt.Errorf("failed to add message: %w", err)
	}

	d.logger.Info("added message", zap.Int64("conversationID", conversationID), zap.String("role", role))
	return nil
}

// DeleteConversation removes a conversation and all of its messages. Failures
// are logged and reported as false rather than raised.
func (d *Database) DeleteConversation(conversationID int64) bool {
	tx, err := d.db.Begin()
	if err != nil {
		d.logger.Error("failed to begin delete transaction", zap.Error(err))
		return false
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		d.logger.Error("failed to delete messages", zap.Error(err))
		return false
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
		d.logger.Error("failed to delete conversation", zap.Error(err))
		return false
	}
	if err := tx.Commit(); err != nil {
		d.logger.Error("failed to commit conversation delete", zap.Error(err))
		return false
	}

	d.logger.Info("deleted conversation", zap.Int64("conversationID", conversationID))
	return true
}

func (d *Database) UpdateConversationTitle(conversationID int64, title string) error {
	if _, err := d.db.Exec(`
        UPDATE conversations SET title = ? WHERE id = ?`, title, conversationID); err != nil {
		d.logger.Error("failed to update conversation title",
			zap.Error(err),
			zap.Int64("conversationID", conversationID))
		return fmt.Errorf("failed to update conversation title: %w", err)
	}
	return nil
}
