package store

import (
	"database/sql"
	"time"
)

// SetSyncState stores an archive-sync checkpoint value for an account.
func (db *DB) SetSyncState(account, key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (account, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		account, key, value, now)
	return err
}

// GetSyncState retrieves a checkpoint value; empty when unset.
func (db *DB) GetSyncState(account, key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE account = ? AND key = ?`,
		account, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
