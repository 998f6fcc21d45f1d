package store

import (
	"context"
	"database/sql"
	"fmt"
)

type extensionStore struct {
	db *DB
}

// NewExtensionStore returns the sqlite-backed ExtensionStore.
func NewExtensionStore(db *DB) ExtensionStore {
	return &extensionStore{db: db}
}

const extensionColumns = `number, display_name, credential_hash, credential_salt,
	allow_external_calls, voicemail_pin_hash, voicemail_pin_salt,
	ad_synced, ad_username, created_at, updated_at`

func (s *extensionStore) Create(ctx context.Context, ext *Extension) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extensions (number, display_name, credential_hash, credential_salt,
		 allow_external_calls, voicemail_pin_hash, voicemail_pin_salt, ad_synced, ad_username,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		ext.Number, ext.DisplayName, ext.CredentialHash, ext.CredentialSalt,
		ext.AllowExternalCalls, ext.VoicemailPINHash, ext.VoicemailPINSalt,
		ext.ADSynced, ext.ADUsername,
	)
	if err != nil {
		return fmt.Errorf("inserting extension: %w", err)
	}
	return nil
}

func (s *extensionStore) GetByNumber(ctx context.Context, number string) (*Extension, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+extensionColumns+` FROM extensions WHERE number = ?`, number)
	return scanExtension(row)
}

func (s *extensionStore) List(ctx context.Context) ([]Extension, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+extensionColumns+` FROM extensions ORDER BY number`)
	if err != nil {
		return nil, fmt.Errorf("querying extensions: %w", err)
	}
	defer rows.Close()

	var exts []Extension
	for rows.Next() {
		var e Extension
		if err := rows.Scan(&e.Number, &e.DisplayName, &e.CredentialHash, &e.CredentialSalt,
			&e.AllowExternalCalls, &e.VoicemailPINHash, &e.VoicemailPINSalt,
			&e.ADSynced, &e.ADUsername, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning extension row: %w", err)
		}
		exts = append(exts, e)
	}
	return exts, rows.Err()
}

func (s *extensionStore) Update(ctx context.Context, ext *Extension) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE extensions SET display_name = ?, credential_hash = ?, credential_salt = ?,
		 allow_external_calls = ?, voicemail_pin_hash = ?, voicemail_pin_salt = ?,
		 ad_synced = ?, ad_username = ?, updated_at = datetime('now')
		 WHERE number = ?`,
		ext.DisplayName, ext.CredentialHash, ext.CredentialSalt,
		ext.AllowExternalCalls, ext.VoicemailPINHash, ext.VoicemailPINSalt,
		ext.ADSynced, ext.ADUsername, ext.Number,
	)
	if err != nil {
		return fmt.Errorf("updating extension: %w", err)
	}
	return nil
}

func scanExtension(row *sql.Row) (*Extension, error) {
	var e Extension
	err := row.Scan(&e.Number, &e.DisplayName, &e.CredentialHash, &e.CredentialSalt,
		&e.AllowExternalCalls, &e.VoicemailPINHash, &e.VoicemailPINSalt,
		&e.ADSynced, &e.ADUsername, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning extension: %w", err)
	}
	return &e, nil
}
