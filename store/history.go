package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AppendHistory appends a history item, absorbing duplicates: at most
// one item exists per (account, jid, stanza id, direction). Returns the
// row id and whether a row was actually inserted.
func (db *DB) AppendHistory(item *HistoryItem) (int64, bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO history (account, jid, author_nickname, recipient_nickname, stanza_id, direction, state, item_kind, encryption, fingerprint, error_condition, error_message, body, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account, jid, stanza_id, direction) WHERE stanza_id IS NOT NULL DO NOTHING`,
		item.Account, item.JID, item.AuthorNickname, item.RecipientNickname,
		nullable(item.StanzaID), string(item.State.Direction()), string(item.State),
		string(item.Kind), string(item.Encryption), item.Fingerprint,
		item.ErrorCondition, item.ErrorMessage, item.Body, item.Timestamp, now)
	if err != nil {
		return 0, false, fmt.Errorf("append history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	item.ID = id
	return id, true, nil
}

// HistoryExists reports whether an item with the given correlation id is
// already recorded for the conversation and direction.
func (db *DB) HistoryExists(account, jid, stanzaID string, direction Direction) (bool, error) {
	if stanzaID == "" {
		return false, nil
	}
	var one int
	err := db.QueryRow(`
		SELECT 1 FROM history
		WHERE account = ? AND jid = ? AND stanza_id = ? AND direction = ?`,
		account, jid, stanzaID, string(direction)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateHistoryState moves an item from one delivery state to another,
// matched by correlation id. When ts > 0 the item timestamp is updated
// as well. A no-op when no item is in the expected state.
func (db *DB) UpdateHistoryState(account, jid, stanzaID string, from, to State, ts int64) error {
	var err error
	if ts > 0 {
		_, err = db.Exec(`
			UPDATE history SET state = ?, timestamp = ?
			WHERE account = ? AND jid = ? AND stanza_id = ? AND state = ?`,
			string(to), ts, account, jid, stanzaID, string(from))
	} else {
		_, err = db.Exec(`
			UPDATE history SET state = ?
			WHERE account = ? AND jid = ? AND stanza_id = ? AND state = ?`,
			string(to), account, jid, stanzaID, string(from))
	}
	return err
}

// MarkOutgoingError marks an outgoing item as failed with a reason,
// regardless of its current outgoing state.
func (db *DB) MarkOutgoingError(account, jid, stanzaID, condition, message string) error {
	_, err := db.Exec(`
		UPDATE history SET state = ?, error_condition = ?, error_message = ?
		WHERE account = ? AND jid = ? AND stanza_id = ? AND direction = 'outgoing' AND state != ?`,
		string(StateOutgoingError), condition, message,
		account, jid, stanzaID, string(StateOutgoingError))
	return err
}

// MarkRead clears the unread marker from items at or before the given
// timestamp and recomputes the conversation's unread count.
func (db *DB) MarkRead(account, jid string, before int64) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		UPDATE history SET state = CASE state
			WHEN 'incoming_unread' THEN 'incoming'
			WHEN 'incoming_error_unread' THEN 'incoming_error'
			WHEN 'outgoing_error_unread' THEN 'outgoing_error'
			ELSE state END
		WHERE account = ? AND jid = ? AND timestamp <= ?`,
		account, jid, before); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE conversations SET unread_count = (
			SELECT COUNT(*) FROM history
			WHERE account = conversations.account AND jid = conversations.jid
			  AND state LIKE '%_unread')
		WHERE account = ? AND jid = ?`,
		account, jid); err != nil {
		return fmt.Errorf("recount unread: %w", err)
	}

	return tx.Commit()
}

// LatestTimestamp returns the newest history timestamp stored for the
// account, or zero when the account has no history.
func (db *DB) LatestTimestamp(account string) (int64, error) {
	var ts sql.NullInt64
	err := db.QueryRow(`SELECT MAX(timestamp) FROM history WHERE account = ?`, account).Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

// ListHistory returns items for a conversation using keyset pagination
// by timestamp, newest first.
func (db *DB) ListHistory(account, jid string, beforeTs int64, limit int) ([]HistoryItem, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, account, jid, author_nickname, recipient_nickname, COALESCE(stanza_id, ''), state, item_kind, encryption, fingerprint, error_condition, error_message, body, timestamp
		FROM history
		WHERE account = ? AND jid = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, account, jid, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []HistoryItem
	for rows.Next() {
		var it HistoryItem
		if err := rows.Scan(&it.ID, &it.Account, &it.JID, &it.AuthorNickname, &it.RecipientNickname,
			&it.StanzaID, &it.State, &it.Kind, &it.Encryption, &it.Fingerprint,
			&it.ErrorCondition, &it.ErrorMessage, &it.Body, &it.Timestamp); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
