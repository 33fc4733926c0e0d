package store

import "time"

// QueueOutbox records a pending outgoing message. Idempotent on
// (account, stanza id) so a resumed attempt does not duplicate the row.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (account, jid, stanza_id, body, oob_url, encryption, status, timestamp, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'unsent', ?, ?, ?)
		ON CONFLICT (account, stanza_id) DO NOTHING`,
		e.Account, e.JID, e.StanzaID, e.Body, e.OOBURL, e.Encryption, e.Timestamp, now, now)
	return err
}

// MarkOutboxSent marks an outbox entry as acknowledged by the transport.
func (db *DB) MarkOutboxSent(account, stanzaID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'sent', updated_at = ?
		WHERE account = ? AND stanza_id = ?`, now, account, stanzaID)
	return err
}

// MarkOutboxError marks an outbox entry as terminally failed.
func (db *DB) MarkOutboxError(account, stanzaID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'error', error_message = ?, updated_at = ?
		WHERE account = ? AND stanza_id = ?`, errMsg, now, account, stanzaID)
	return err
}

// PendingOutbox returns the account's unsent entries in queue order.
func (db *DB) PendingOutbox(account string) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, account, jid, stanza_id, body, oob_url, encryption, status, error_message, timestamp
		FROM outbox
		WHERE account = ? AND status = 'unsent'
		ORDER BY created_at ASC`, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.Account, &e.JID, &e.StanzaID, &e.Body, &e.OOBURL,
			&e.Encryption, &e.Status, &e.ErrorMessage, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
