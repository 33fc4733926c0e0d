package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation record.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (account, jid, kind, name, nickname, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account, jid) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			nickname = excluded.nickname,
			updated_at = excluded.updated_at`,
		c.Account, c.JID, string(c.Kind), c.Name, c.Nickname,
		c.UnreadCount, c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// GetConversation returns the conversation for (account, jid), or nil
// when none exists.
func (db *DB) GetConversation(account, jid string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT account, jid, kind, name, nickname, unread_count, last_message_at, last_message_preview
		FROM conversations WHERE account = ? AND jid = ?`,
		account, jid).Scan(&c.Account, &c.JID, &c.Kind, &c.Name, &c.Nickname,
		&c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// TouchConversation creates the conversation if missing and rolls up the
// last-message preview. When unread is set the unread counter grows.
func (db *DB) TouchConversation(account, jid string, lastMessageAt int64, preview string, unread bool) error {
	now := time.Now().UnixMilli()
	bump := 0
	if unread {
		bump = 1
	}
	_, err := db.Exec(`
		INSERT INTO conversations (account, jid, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account, jid) DO UPDATE SET
			unread_count = conversations.unread_count + ?,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		account, jid, bump, lastMessageAt, preview, now, bump)
	return err
}

// ListConversations returns an account's conversations ordered by most
// recent activity.
func (db *DB) ListConversations(account string, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT account, jid, kind, name, nickname, unread_count, last_message_at, last_message_preview
		FROM conversations
		WHERE account = ?
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, account, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.Account, &c.JID, &c.Kind, &c.Name, &c.Nickname,
			&c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}
