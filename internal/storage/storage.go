package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db *sql.DB
}

// GuildSecuritySettings carries the per-guild kill switches. SecurityEnabled
// gates the quarantine pipeline as a whole, ActionsSecurityEnabled gates the
// action tracker specifically.
type GuildSecuritySettings struct {
	GuildID                string
	SecurityEnabled        bool
	ActionsSecurityEnabled bool
	UpdatedAt              time.Time
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Store) Migrate() error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}

	var files []string
	for _, entry := range entries {
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := migrations.ReadFile(path.Join("migrations", file))
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			if isIgnorableMigrationError(err) {
				continue
			}
			return fmt.Errorf("migration %s failed: %w", file, err)
		}
	}
	return nil
}

// SecuritySettings returns the guild's settings row, inserting the
// default (everything enabled) on first contact with a guild.
func (s *Store) SecuritySettings(ctx context.Context, guildID string) (GuildSecuritySettings, error) {
	result := GuildSecuritySettings{
		GuildID:                guildID,
		SecurityEnabled:        true,
		ActionsSecurityEnabled: true,
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT security_enabled, actions_security_enabled, updated_at
		FROM admin_security_settings WHERE guild_id = ?`, guildID)

	var security, actions int
	var updated int64
	err := row.Scan(&security, &actions, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			now := time.Now()
			_, insErr := s.db.ExecContext(ctx, `
				INSERT OR IGNORE INTO admin_security_settings (guild_id, security_enabled, actions_security_enabled, updated_at)
				VALUES (?, 1, 1, ?)`, guildID, now.Unix())
			if insErr != nil {
				return GuildSecuritySettings{}, insErr
			}
			result.UpdatedAt = now
			return result, nil
		}
		return GuildSecuritySettings{}, err
	}
	result.SecurityEnabled = security == 1
	result.ActionsSecurityEnabled = actions == 1
	result.UpdatedAt = time.Unix(updated, 0)
	return result, nil
}

func (s *Store) SetSecurityEnabled(ctx context.Context, guildID string, enabled bool) error {
	return s.setSecurityFlag(ctx, guildID, "security_enabled", enabled)
}

func (s *Store) SetActionsSecurityEnabled(ctx context.Context, guildID string, enabled bool) error {
	return s.setSecurityFlag(ctx, guildID, "actions_security_enabled", enabled)
}

func (s *Store) setSecurityFlag(ctx context.Context, guildID, column string, enabled bool) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO admin_security_settings (guild_id, security_enabled, actions_security_enabled, updated_at)
		VALUES (?, 1, 1, ?)`, guildID, now)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE admin_security_settings SET `+column+` = ?, updated_at = ? WHERE guild_id = ?`,
		boolToInt(enabled), now, guildID)
	return err
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func isIgnorableMigrationError(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "duplicate column name") || strings.Contains(message, "already exists")
}
