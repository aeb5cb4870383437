package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// QuarantineRecord captures the rollback manifest for one quarantine
// episode. Roles holds the admin-capable role IDs removed from the
// member, in the order they were held.
type QuarantineRecord struct {
	ID              int64
	GuildID         string
	UserID          string
	Reason          string
	Roles           []string
	QuarantinedAt   time.Time
	QuarantinedTill *time.Time
	Active          bool
	RestoredAt      *time.Time
}

var ErrNoActiveQuarantine = errors.New("no active quarantine record")

// UpsertQuarantine deactivates any active record for the member and
// inserts the new one in a single transaction, so at most one active
// row per (guild, user) survives concurrent triggers.
func (s *Store) UpsertQuarantine(ctx context.Context, rec QuarantineRecord) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		UPDATE admin_quarantine SET is_active = 0, restored_at = ?
		WHERE guild_id = ? AND user_id = ? AND is_active = 1
	`, rec.QuarantinedAt.Unix(), rec.GuildID, rec.UserID)
	if err != nil {
		return 0, err
	}

	var until any
	if rec.QuarantinedTill != nil {
		until = rec.QuarantinedTill.Unix()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO admin_quarantine (guild_id, user_id, reason, quarantined_roles, quarantined_at, quarantined_until, is_active)
		VALUES (?, ?, ?, ?, ?, ?, 1)
	`, rec.GuildID, rec.UserID, rec.Reason, strings.Join(rec.Roles, ","), rec.QuarantinedAt.Unix(), until)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) ActiveQuarantine(ctx context.Context, guildID, userID string) (QuarantineRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, guild_id, user_id, reason, quarantined_roles, quarantined_at, quarantined_until, is_active, restored_at
		FROM admin_quarantine
		WHERE guild_id = ? AND user_id = ? AND is_active = 1
		ORDER BY id DESC LIMIT 1
	`, guildID, userID)

	rec, err := scanQuarantine(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return QuarantineRecord{}, ErrNoActiveQuarantine
		}
		return QuarantineRecord{}, err
	}
	return rec, nil
}

func (s *Store) ListActiveQuarantines(ctx context.Context, guildID string) ([]QuarantineRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guild_id, user_id, reason, quarantined_roles, quarantined_at, quarantined_until, is_active, restored_at
		FROM admin_quarantine
		WHERE guild_id = ? AND is_active = 1
		ORDER BY quarantined_at
	`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectQuarantines(rows)
}

// ListExpiredQuarantines returns active records whose deadline has
// passed, across all guilds. Records without a deadline never expire.
func (s *Store) ListExpiredQuarantines(ctx context.Context, now time.Time) ([]QuarantineRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guild_id, user_id, reason, quarantined_roles, quarantined_at, quarantined_until, is_active, restored_at
		FROM admin_quarantine
		WHERE is_active = 1 AND quarantined_until IS NOT NULL AND quarantined_until <= ?
		ORDER BY quarantined_until
	`, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectQuarantines(rows)
}

func (s *Store) DeactivateQuarantine(ctx context.Context, id int64, restoredAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE admin_quarantine SET is_active = 0, restored_at = ?
		WHERE id = ?
	`, restoredAt.Unix(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuarantine(row rowScanner) (QuarantineRecord, error) {
	var rec QuarantineRecord
	var roles string
	var at int64
	var until, restored sql.NullInt64
	var active int
	if err := row.Scan(&rec.ID, &rec.GuildID, &rec.UserID, &rec.Reason, &roles, &at, &until, &active, &restored); err != nil {
		return QuarantineRecord{}, err
	}
	if roles != "" {
		rec.Roles = strings.Split(roles, ",")
	}
	rec.QuarantinedAt = time.Unix(at, 0)
	if until.Valid {
		value := time.Unix(until.Int64, 0)
		rec.QuarantinedTill = &value
	}
	rec.Active = active == 1
	if restored.Valid {
		value := time.Unix(restored.Int64, 0)
		rec.RestoredAt = &value
	}
	return rec, nil
}

func collectQuarantines(rows *sql.Rows) ([]QuarantineRecord, error) {
	var records []QuarantineRecord
	for rows.Next() {
		rec, err := scanQuarantine(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
