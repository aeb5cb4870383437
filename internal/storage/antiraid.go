package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

type AntiRaidSettings struct {
	GuildID          string
	Enabled          bool
	MessageThreshold int
	TimeWindowSecs   int
	LockDurationSecs int
	ExemptRoles      []string
}

// AntiRaidSettings returns the guild's anti-raid row, inserting the
// provided defaults when the guild has none yet.
func (s *Store) AntiRaidSettings(ctx context.Context, guildID string, defaults AntiRaidSettings) (AntiRaidSettings, error) {
	result := defaults
	result.GuildID = guildID

	row := s.db.QueryRowContext(ctx, `
		SELECT enabled, message_threshold, time_window_seconds, lock_duration_seconds, exempt_roles
		FROM anti_raid_settings WHERE guild_id = ?`, guildID)

	var enabled int
	var exempt string
	err := row.Scan(&enabled, &result.MessageThreshold, &result.TimeWindowSecs, &result.LockDurationSecs, &exempt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_, insErr := s.db.ExecContext(ctx, `
				INSERT OR IGNORE INTO anti_raid_settings (guild_id, enabled, message_threshold, time_window_seconds, lock_duration_seconds, exempt_roles)
				VALUES (?, ?, ?, ?, ?, ?)`,
				guildID, boolToInt(defaults.Enabled), defaults.MessageThreshold, defaults.TimeWindowSecs,
				defaults.LockDurationSecs, strings.Join(defaults.ExemptRoles, ","))
			if insErr != nil {
				return AntiRaidSettings{}, insErr
			}
			return result, nil
		}
		return AntiRaidSettings{}, err
	}
	result.Enabled = enabled == 1
	if exempt != "" {
		result.ExemptRoles = strings.Split(exempt, ",")
	} else {
		result.ExemptRoles = nil
	}
	return result, nil
}

func (s *Store) UpsertAntiRaidSettings(ctx context.Context, settings AntiRaidSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anti_raid_settings (guild_id, enabled, message_threshold, time_window_seconds, lock_duration_seconds, exempt_roles)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			enabled = excluded.enabled,
			message_threshold = excluded.message_threshold,
			time_window_seconds = excluded.time_window_seconds,
			lock_duration_seconds = excluded.lock_duration_seconds,
			exempt_roles = excluded.exempt_roles
	`,
		settings.GuildID,
		boolToInt(settings.Enabled),
		settings.MessageThreshold,
		settings.TimeWindowSecs,
		settings.LockDurationSecs,
		strings.Join(settings.ExemptRoles, ","),
	)
	return err
}
