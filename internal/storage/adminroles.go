package storage

import (
	"context"
	"time"
)

// Registered admin roles are guild-curated roles whose holders count as
// administrators for the protection layers, independent of the Discord
// permission bits the role happens to carry.

func (s *Store) AddAdminRole(ctx context.Context, guildID, roleID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO registered_admin_roles (guild_id, role_id, created_at)
		VALUES (?, ?, ?)`, guildID, roleID, time.Now().Unix())
	return err
}

func (s *Store) RemoveAdminRole(ctx context.Context, guildID, roleID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM registered_admin_roles WHERE guild_id = ? AND role_id = ?`, guildID, roleID)
	return err
}

func (s *Store) ListAdminRoles(ctx context.Context, guildID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role_id FROM registered_admin_roles WHERE guild_id = ? ORDER BY role_id`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var roleID string
		if err := rows.Scan(&roleID); err != nil {
			return nil, err
		}
		roles = append(roles, roleID)
	}
	return roles, rows.Err()
}
