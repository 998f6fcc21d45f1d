package store

import (
	"context"
	"database/sql"
	"fmt"
)

type phoneStore struct {
	db *DB
}

// NewPhoneTrackingStore returns the sqlite-backed PhoneTrackingStore.
func NewPhoneTrackingStore(db *DB) PhoneTrackingStore {
	return &phoneStore{db: db}
}

// Upsert implements the re-provisioning invariant from spec.md §4.H:
// at most one row per (mac, extension) and per (ip, extension); a
// re-registration from a different IP for the same (mac, extension)
// updates the existing row in place, preserving first_registered, while
// re-provisioning (same mac/ip, different extension) deletes the old
// (mac/ip, old_ext) row before inserting the new one.
func (s *phoneStore) Upsert(ctx context.Context, phone *RegisteredPhone) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var existing *RegisteredPhone
	if phone.MAC != "" {
		existing, err = queryOneByCol(ctx, tx, "mac", phone.MAC)
	}
	if existing == nil && err == nil && phone.IP != "" {
		existing, err = queryOneByCol(ctx, tx, "ip", phone.IP)
	}
	if err != nil {
		return err
	}

	if existing != nil && existing.Extension != phone.Extension {
		// Re-provisioning: same device, different extension. Drop the old
		// row for the old extension entirely.
		if _, err := tx.ExecContext(ctx, `DELETE FROM registered_phones WHERE mac IS ? AND extension = ?`, nullable(existing.MAC), existing.Extension); err != nil {
			return fmt.Errorf("deleting stale phone row: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM registered_phones WHERE ip IS ? AND extension = ?`, nullable(existing.IP), existing.Extension); err != nil {
			return fmt.Errorf("deleting stale phone row: %w", err)
		}
		existing = nil
	}

	if existing != nil {
		// Refresh in place, preserving first_registered.
		_, err = tx.ExecContext(ctx,
			`UPDATE registered_phones SET ip = ?, user_agent = ?, contact_uri = ?, last_registered = datetime('now')
			 WHERE mac IS ? AND extension = ?`,
			nullable(phone.IP), phone.UserAgent, phone.ContactURI, nullable(existing.MAC), phone.Extension,
		)
		if err != nil {
			return fmt.Errorf("refreshing phone row: %w", err)
		}
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO registered_phones (mac, extension, user_agent, ip, first_registered, last_registered, contact_uri)
		 VALUES (?, ?, ?, ?, datetime('now'), datetime('now'), ?)`,
		nullable(phone.MAC), phone.Extension, phone.UserAgent, nullable(phone.IP), phone.ContactURI,
	)
	if err != nil {
		return fmt.Errorf("inserting phone row: %w", err)
	}
	return tx.Commit()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type execQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryOneByCol(ctx context.Context, q execQueryer, col, val string) (*RegisteredPhone, error) {
	row := q.QueryRowContext(ctx,
		`SELECT mac, extension, user_agent, ip, first_registered, last_registered, contact_uri
		 FROM registered_phones WHERE `+col+` = ? LIMIT 1`, val)
	return scanPhone(row)
}

func scanPhone(row *sql.Row) (*RegisteredPhone, error) {
	var p RegisteredPhone
	var mac, ip sql.NullString
	err := row.Scan(&mac, &p.Extension, &p.UserAgent, &ip, &p.FirstRegistered, &p.LastRegistered, &p.ContactURI)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning phone row: %w", err)
	}
	p.MAC = mac.String
	p.IP = ip.String
	return &p, nil
}

func (s *phoneStore) DeleteByMACOrIP(ctx context.Context, mac, ip string) error {
	if mac != "" {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM registered_phones WHERE mac = ?`, mac); err != nil {
			return fmt.Errorf("deleting by mac: %w", err)
		}
	}
	if ip != "" {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM registered_phones WHERE ip = ?`, ip); err != nil {
			return fmt.Errorf("deleting by ip: %w", err)
		}
	}
	return nil
}

// PurgeAll removes every row, used at boot per spec.md §4.H — registered
// phones belong to the previous process lifetime.
func (s *phoneStore) PurgeAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM registered_phones`)
	if err != nil {
		return 0, fmt.Errorf("purging registered phones: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeIncomplete removes rows with a nil mac or nil ip — "incomplete"
// stale rows per spec.md §4.H, re-purged in addition to PurgeAll.
func (s *phoneStore) PurgeIncomplete(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM registered_phones WHERE mac IS NULL OR ip IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("purging incomplete phone rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *phoneStore) ByExtension(ctx context.Context, extension string) ([]RegisteredPhone, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mac, extension, user_agent, ip, first_registered, last_registered, contact_uri
		 FROM registered_phones WHERE extension = ?`, extension)
	if err != nil {
		return nil, fmt.Errorf("querying phones by extension: %w", err)
	}
	defer rows.Close()

	var phones []RegisteredPhone
	for rows.Next() {
		var p RegisteredPhone
		var mac, ip sql.NullString
		if err := rows.Scan(&mac, &p.Extension, &p.UserAgent, &ip, &p.FirstRegistered, &p.LastRegistered, &p.ContactURI); err != nil {
			return nil, fmt.Errorf("scanning phone row: %w", err)
		}
		p.MAC, p.IP = mac.String, ip.String
		phones = append(phones, p)
	}
	return phones, rows.Err()
}
