package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"aegis-sentry/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const adminCapable = discordgo.PermissionAdministrator |
	discordgo.PermissionManageServer |
	discordgo.PermissionManageChannels |
	discordgo.PermissionManageRoles

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Discord interface {
	Guild(guildID string) (*discordgo.Guild, error)
	Member(guildID, userID string) (*discordgo.Member, error)
	RoleAdd(guildID, userID, roleID string) error
	RoleRemove(guildID, userID, roleID string) error
	BotUserID() string
	DirectMessage(userID, content string) error
	ApprovalPrompt(ownerID string, assignmentID int64, guildID, userID, roleID, assignedBy string) error
}

var (
	ErrNotOwner       = errors.New("only the guild owner may resolve assignments")
	ErrSelfAssignment = errors.New("assigner granted the role to themselves")
	ErrInFlight       = errors.New("assignment is already being processed")
)

// Workflow holds admin-role grants until the guild owner signs off.
// Grants by anyone other than the owner are provisionally stripped and
// parked as pending rows; the owner resolves them from a DM prompt.
type Workflow struct {
	mu        sync.Mutex
	inFlight  map[int64]struct{}
	processed map[int64]struct{}

	store   *storage.Store
	discord Discord
	clock   Clock
	logger  *zap.Logger
}

func NewWorkflow(store *storage.Store, discord Discord, logger *zap.Logger) *Workflow {
	return &Workflow{
		inFlight:  make(map[int64]struct{}),
		processed: make(map[int64]struct{}),
		store:     store,
		discord:   discord,
		clock:     realClock{},
		logger:    logger,
	}
}

func (w *Workflow) WithClock(clock Clock) {
	w.clock = clock
}

// HandleRoleGrant inspects one added role. Owner and bot grants pass
// untouched; everything admin-capable from anyone else is parked.
func (w *Workflow) HandleRoleGrant(ctx context.Context, guildID, userID, roleID, assignedBy string) error {
	if assignedBy == "" {
		// No attributable assigner means no one to hold the grant
		// against; revoking here could strip an owner-made grant.
		w.logger.Debug("role grant without attributable assigner, skipping",
			zap.String("guild_id", guildID),
			zap.String("user_id", userID),
			zap.String("role_id", roleID),
		)
		return nil
	}

	guild, err := w.discord.Guild(guildID)
	if err != nil {
		return fmt.Errorf("resolve guild %s: %w", guildID, err)
	}
	if userID == guild.OwnerID || assignedBy == guild.OwnerID || assignedBy == w.discord.BotUserID() {
		return nil
	}

	role := findRole(guild, roleID)
	if role == nil || role.Permissions&adminCapable == 0 {
		return nil
	}

	approved, err := w.store.ApprovedAssignment(ctx, guildID, userID, roleID)
	if err != nil {
		w.logger.Warn("approved lookup failed", zap.String("guild_id", guildID), zap.Error(err))
	}
	if approved {
		return nil
	}

	var snapshot []string
	if assigner, err := w.discord.Member(guildID, assignedBy); err == nil {
		for _, held := range assigner.Roles {
			if r := findRole(guild, held); r != nil && r.Permissions&adminCapable != 0 {
				snapshot = append(snapshot, held)
			}
		}
	}

	id, err := w.store.ProposeAssignment(ctx, storage.PendingAssignment{
		GuildID:       guildID,
		UserID:        userID,
		RoleID:        roleID,
		AssignedBy:    assignedBy,
		AssignerRoles: snapshot,
		CreatedAt:     w.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("propose assignment: %w", err)
	}

	if err := w.discord.RoleRemove(guildID, userID, roleID); err != nil {
		w.logger.Warn("provisional strip failed",
			zap.String("guild_id", guildID),
			zap.String("user_id", userID),
			zap.String("role_id", roleID),
			zap.Error(err),
		)
	}

	_ = w.discord.DirectMessage(userID, fmt.Sprintf(
		"The role **%s** in **%s** is on hold until the server owner approves it.", role.Name, guild.Name))

	if err := w.discord.ApprovalPrompt(guild.OwnerID, id, guildID, userID, roleID, assignedBy); err != nil {
		w.logger.Warn("approval prompt failed", zap.String("guild_id", guildID), zap.Error(err))
	}

	w.logger.Info("admin role grant parked",
		zap.String("guild_id", guildID),
		zap.String("user_id", userID),
		zap.String("role_id", roleID),
		zap.String("assigned_by", assignedBy),
	)
	return nil
}

// Approve commits the assignment. The database status flip is the
// point of no return; role application afterwards is best effort.
func (w *Workflow) Approve(ctx context.Context, guildID string, id int64, resolverID string) error {
	release, err := w.begin(id)
	if err != nil {
		return err
	}
	defer release()

	guild, err := w.discord.Guild(guildID)
	if err != nil {
		return fmt.Errorf("resolve guild %s: %w", guildID, err)
	}
	if resolverID != guild.OwnerID {
		return ErrNotOwner
	}

	a, err := w.store.Assignment(ctx, id, guildID)
	if err != nil {
		return fmt.Errorf("load assignment: %w", err)
	}
	if a.Status != storage.AssignmentPending {
		return storage.ErrAssignmentNotPending
	}
	if a.UserID == a.AssignedBy {
		_ = w.store.ResolveAssignment(ctx, id, guildID, storage.AssignmentDeclined, resolverID, w.clock.Now())
		w.markProcessed(id)
		return ErrSelfAssignment
	}

	if err := w.store.ResolveAssignment(ctx, id, guildID, storage.AssignmentApproved, resolverID, w.clock.Now()); err != nil {
		return err
	}
	w.markProcessed(id)

	if member, err := w.discord.Member(guildID, a.UserID); err == nil && !hasRole(member, a.RoleID) {
		if err := w.discord.RoleAdd(guildID, a.UserID, a.RoleID); err != nil {
			w.logger.Warn("approved role apply failed",
				zap.String("guild_id", guildID),
				zap.String("user_id", a.UserID),
				zap.String("role_id", a.RoleID),
				zap.Error(err),
			)
		}
	}

	if assigner, err := w.discord.Member(guildID, a.AssignedBy); err == nil {
		for _, roleID := range a.AssignerRoles {
			if findRole(guild, roleID) == nil || hasRole(assigner, roleID) {
				continue
			}
			if err := w.discord.RoleAdd(guildID, a.AssignedBy, roleID); err != nil {
				w.logger.Warn("assigner role restore failed",
					zap.String("guild_id", guildID),
					zap.String("user_id", a.AssignedBy),
					zap.String("role_id", roleID),
					zap.Error(err),
				)
			}
		}
	}

	_ = w.discord.DirectMessage(a.UserID, fmt.Sprintf("Your admin role in **%s** was approved by the owner.", guild.Name))
	_ = w.discord.DirectMessage(a.AssignedBy, fmt.Sprintf("The admin role you granted in **%s** was approved.", guild.Name))

	w.logger.Info("assignment approved",
		zap.String("guild_id", guildID),
		zap.Int64("assignment_id", id),
		zap.String("user_id", a.UserID),
	)
	return nil
}

// Decline marks the assignment rejected. The role was already stripped
// at proposal time, so no role mutation happens here.
func (w *Workflow) Decline(ctx context.Context, guildID string, id int64, resolverID string) error {
	release, err := w.begin(id)
	if err != nil {
		return err
	}
	defer release()

	guild, err := w.discord.Guild(guildID)
	if err != nil {
		return fmt.Errorf("resolve guild %s: %w", guildID, err)
	}
	if resolverID != guild.OwnerID {
		return ErrNotOwner
	}

	a, err := w.store.Assignment(ctx, id, guildID)
	if err != nil {
		return fmt.Errorf("load assignment: %w", err)
	}
	if a.Status != storage.AssignmentPending {
		return storage.ErrAssignmentNotPending
	}

	if err := w.store.ResolveAssignment(ctx, id, guildID, storage.AssignmentDeclined, resolverID, w.clock.Now()); err != nil {
		return err
	}
	w.markProcessed(id)

	_ = w.discord.DirectMessage(a.UserID, fmt.Sprintf("Your admin role request in **%s** was declined by the owner.", guild.Name))
	_ = w.discord.DirectMessage(a.AssignedBy, fmt.Sprintf("The admin role you granted in **%s** was declined.", guild.Name))

	w.logger.Info("assignment declined",
		zap.String("guild_id", guildID),
		zap.Int64("assignment_id", id),
		zap.String("user_id", a.UserID),
	)
	return nil
}

// begin guards against the owner double-clicking the prompt buttons.
func (w *Workflow) begin(id int64) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, done := w.processed[id]; done {
		return nil, storage.ErrAssignmentNotPending
	}
	if _, busy := w.inFlight[id]; busy {
		return nil, ErrInFlight
	}
	w.inFlight[id] = struct{}{}
	return func() {
		w.mu.Lock()
		delete(w.inFlight, id)
		w.mu.Unlock()
	}, nil
}

func (w *Workflow) markProcessed(id int64) {
	w.mu.Lock()
	w.processed[id] = struct{}{}
	w.mu.Unlock()
}

func findRole(guild *discordgo.Guild, roleID string) *discordgo.Role {
	for _, role := range guild.Roles {
		if role.ID == roleID {
			return role
		}
	}
	return nil
}

func hasRole(member *discordgo.Member, roleID string) bool {
	for _, held := range member.Roles {
		if held == roleID {
			return true
		}
	}
	return false
}
