package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const (
	AssignmentPending  = "pending"
	AssignmentApproved = "approved"
	AssignmentDeclined = "declined"
)

// PendingAssignment is one admin-role grant awaiting the owner's
// verdict. AssignerRoles snapshots the assigner's admin-capable roles
// at proposal time so they can be restored on approval.
type PendingAssignment struct {
	ID            int64
	GuildID       string
	UserID        string
	RoleID        string
	AssignedBy    string
	AssignerRoles []string
	Status        string
	CreatedAt     time.Time
	ResolvedBy    string
	ResolvedAt    *time.Time
}

var ErrAssignmentNotPending = errors.New("assignment is not pending")

// ProposeAssignment refreshes the existing pending row for the same
// (guild, user, role) or creates one, and returns its ID. Repeated
// grant attempts collapse onto a single prompt.
func (s *Store) ProposeAssignment(ctx context.Context, a PendingAssignment) (int64, error) {
	snapshot := strings.Join(a.AssignerRoles, ",")

	row := s.db.QueryRowContext(ctx, `
		SELECT id FROM pending_admin_assignments
		WHERE guild_id = ? AND user_id = ? AND role_id = ? AND status = ?
	`, a.GuildID, a.UserID, a.RoleID, AssignmentPending)

	var id int64
	err := row.Scan(&id)
	switch {
	case err == nil:
		_, err = s.db.ExecContext(ctx, `
			UPDATE pending_admin_assignments
			SET assigned_by = ?, assigner_roles = ?, created_at = ?
			WHERE id = ?
		`, a.AssignedBy, snapshot, a.CreatedAt.Unix(), id)
		return id, err
	case errors.Is(err, sql.ErrNoRows):
		res, insErr := s.db.ExecContext(ctx, `
			INSERT INTO pending_admin_assignments (guild_id, user_id, role_id, assigned_by, assigner_roles, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, a.GuildID, a.UserID, a.RoleID, a.AssignedBy, snapshot, AssignmentPending, a.CreatedAt.Unix())
		if insErr != nil {
			return 0, insErr
		}
		return res.LastInsertId()
	default:
		return 0, err
	}
}

func (s *Store) Assignment(ctx context.Context, id int64, guildID string) (PendingAssignment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, guild_id, user_id, role_id, assigned_by, assigner_roles, status, created_at, COALESCE(resolved_by, ''), resolved_at
		FROM pending_admin_assignments
		WHERE id = ? AND guild_id = ?
	`, id, guildID)

	var a PendingAssignment
	var roles string
	var created int64
	var resolved sql.NullInt64
	err := row.Scan(&a.ID, &a.GuildID, &a.UserID, &a.RoleID, &a.AssignedBy, &roles, &a.Status, &created, &a.ResolvedBy, &resolved)
	if err != nil {
		return PendingAssignment{}, err
	}
	if roles != "" {
		a.AssignerRoles = strings.Split(roles, ",")
	}
	a.CreatedAt = time.Unix(created, 0)
	if resolved.Valid {
		value := time.Unix(resolved.Int64, 0)
		a.ResolvedAt = &value
	}
	return a, nil
}

// ApprovedAssignment looks for a previously approved grant of the same
// role, so re-applying it can skip the approval round trip.
func (s *Store) ApprovedAssignment(ctx context.Context, guildID, userID, roleID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_admin_assignments
		WHERE guild_id = ? AND user_id = ? AND role_id = ? AND status = ?
	`, guildID, userID, roleID, AssignmentApproved)

	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// ResolveAssignment moves a pending row to approved or declined. The
// status guard in the WHERE clause makes resolution one-way: a second
// resolver gets ErrAssignmentNotPending.
func (s *Store) ResolveAssignment(ctx context.Context, id int64, guildID, status, resolvedBy string, resolvedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_admin_assignments
		SET status = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND guild_id = ? AND status = ?
	`, status, resolvedBy, resolvedAt.Unix(), id, guildID, AssignmentPending)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAssignmentNotPending
	}
	return nil
}
