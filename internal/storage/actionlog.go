package storage

import (
	"context"
	"time"
)

// ActionLog is one observed admin action. Details holds a JSON object
// with event-specific fields; it is opaque to the store.
type ActionLog struct {
	ID         int64
	GuildID    string
	UserID     string
	ActionType string
	TargetID   string
	Details    string
	CreatedAt  time.Time
}

func (s *Store) AddActionLog(ctx context.Context, log ActionLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_action_logs (guild_id, user_id, action_type, target_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, log.GuildID, log.UserID, log.ActionType, log.TargetID, log.Details, log.CreatedAt.Unix())
	return err
}

func (s *Store) ListActionLogs(ctx context.Context, guildID string, since time.Time) ([]ActionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guild_id, user_id, action_type, target_id, details, created_at
		FROM admin_action_logs
		WHERE guild_id = ? AND created_at >= ?
		ORDER BY created_at DESC
	`, guildID, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []ActionLog
	for rows.Next() {
		var log ActionLog
		var created int64
		if err := rows.Scan(&log.ID, &log.GuildID, &log.UserID, &log.ActionType, &log.TargetID, &log.Details, &created); err != nil {
			return nil, err
		}
		log.CreatedAt = time.Unix(created, 0)
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// CountActionsSince backs the temp-admin suspicion check.
func (s *Store) CountActionsSince(ctx context.Context, guildID, userID, actionType string, since time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM admin_action_logs
		WHERE guild_id = ? AND user_id = ? AND action_type = ? AND created_at >= ?
	`, guildID, userID, actionType, since.Unix())

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) CleanupActionLogs(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	_, err := s.db.ExecContext(ctx, `DELETE FROM admin_action_logs WHERE created_at < ?`, cutoff.Unix())
	return err
}
