package quarantine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"aegis-sentry/internal/modules/tempadmin"
	"aegis-sentry/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// adminCapable is the permission surface whose roles get pulled during
// a quarantine.
const adminCapable = discordgo.PermissionAdministrator |
	discordgo.PermissionManageServer |
	discordgo.PermissionManageChannels |
	discordgo.PermissionManageRoles

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Discord is the slice of the gateway session the manager needs. The
// bot package adapts *discordgo.Session onto it; tests use a fake.
type Discord interface {
	Guild(guildID string) (*discordgo.Guild, error)
	Member(guildID, userID string) (*discordgo.Member, error)
	RoleAdd(guildID, userID, roleID string) error
	RoleRemove(guildID, userID, roleID string) error
	BotUserID() string
	DirectMessage(userID, content string) error
	OwnerPrompt(ownerID, guildID, userID, reason string, removedRoles []string) error
}

type ActionRecorder interface {
	LogAction(ctx context.Context, guildID, userID, actionType, targetID string, details map[string]any)
	CountSince(ctx context.Context, guildID, userID, actionType string, since time.Time) (int, error)
}

type SuspicionThresholds struct {
	Lookback       time.Duration
	Bans           int
	Kicks          int
	ChannelDeletes int
	RoleUpdates    int
}

type Config struct {
	QuarantineFor   time.Duration
	TempAdminFor    time.Duration
	SweepEvery      time.Duration
	RequarantineFor time.Duration
	Suspicion       SuspicionThresholds
}

var ErrNoRemovableRoles = errors.New("member has no removable admin roles")

// Manager owns the quarantine state machine: role revocation with a
// rollback manifest, release with restoration plus a temporary admin
// grant, and the periodic sweeps over both.
type Manager struct {
	mu          sync.Mutex
	quarantined map[string]struct{}

	cfg     Config
	clock   Clock
	store   *storage.Store
	discord Discord
	grants  *tempadmin.Registry
	actions ActionRecorder
	logger  *zap.Logger
}

func NewManager(cfg Config, store *storage.Store, discord Discord, grants *tempadmin.Registry, actions ActionRecorder, logger *zap.Logger) *Manager {
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 5 * time.Minute
	}
	return &Manager{
		quarantined: make(map[string]struct{}),
		cfg:         cfg,
		clock:       realClock{},
		store:       store,
		discord:     discord,
		grants:      grants,
		actions:     actions,
		logger:      logger,
	}
}

func (m *Manager) WithClock(clock Clock) {
	m.clock = clock
}

// Hydrate reloads the in-memory quarantined set from the store, so a
// restart does not forget who is locked out.
func (m *Manager) Hydrate(ctx context.Context, guildIDs []string) {
	for _, guildID := range guildIDs {
		records, err := m.store.ListActiveQuarantines(ctx, guildID)
		if err != nil {
			m.logger.Warn("hydrate failed", zap.String("guild_id", guildID), zap.Error(err))
			continue
		}
		m.mu.Lock()
		for _, rec := range records {
			m.quarantined[rec.GuildID+":"+rec.UserID] = struct{}{}
		}
		m.mu.Unlock()
	}
}

func (m *Manager) IsQuarantined(guildID, userID string) bool {
	m.mu.Lock()
	_, ok := m.quarantined[guildID+":"+userID]
	m.mu.Unlock()
	if ok {
		return true
	}

	// Cache miss falls back to the store so a restarted process still
	// blocks known offenders. Store errors resolve to not-quarantined.
	_, err := m.store.ActiveQuarantine(context.Background(), guildID, userID)
	if err != nil {
		return false
	}
	m.mu.Lock()
	m.quarantined[guildID+":"+userID] = struct{}{}
	m.mu.Unlock()
	return true
}

// Quarantine strips the member's admin-capable roles and records the
// manifest. Role removals past the record write are best effort; the
// record is the source of truth for what must come back.
func (m *Manager) Quarantine(ctx context.Context, guildID, userID, reason string, duration time.Duration) error {
	guild, err := m.discord.Guild(guildID)
	if err != nil {
		return fmt.Errorf("resolve guild %s: %w", guildID, err)
	}
	member, err := m.discord.Member(guildID, userID)
	if err != nil {
		return fmt.Errorf("resolve member %s: %w", userID, err)
	}

	removable := m.removableAdminRoles(guild)
	var manifest []string
	for _, roleID := range member.Roles {
		if _, ok := removable[roleID]; ok {
			manifest = append(manifest, roleID)
		}
	}
	if len(manifest) == 0 {
		return ErrNoRemovableRoles
	}

	now := m.clock.Now()
	rec := storage.QuarantineRecord{
		GuildID:       guildID,
		UserID:        userID,
		Reason:        reason,
		Roles:         manifest,
		QuarantinedAt: now,
	}
	if duration > 0 {
		until := now.Add(duration)
		rec.QuarantinedTill = &until
	}
	if _, err := m.store.UpsertQuarantine(ctx, rec); err != nil {
		return fmt.Errorf("persist quarantine: %w", err)
	}

	m.mu.Lock()
	m.quarantined[guildID+":"+userID] = struct{}{}
	m.mu.Unlock()

	for _, roleID := range manifest {
		if err := m.discord.RoleRemove(guildID, userID, roleID); err != nil {
			m.logger.Warn("role removal failed",
				zap.String("guild_id", guildID),
				zap.String("user_id", userID),
				zap.String("role_id", roleID),
				zap.Error(err),
			)
		}
	}

	lockedFor := "until the server owner releases you"
	if duration > 0 {
		lockedFor = fmt.Sprintf("for the next %d hour(s)", int(duration.Hours()))
	}
	if err := m.discord.DirectMessage(userID, fmt.Sprintf(
		"Your administrative roles in **%s** were revoked %s: %s. The server owner has been notified.",
		guild.Name, lockedFor, reason,
	)); err != nil {
		m.logger.Debug("quarantine DM failed", zap.String("user_id", userID), zap.Error(err))
	}
	if err := m.discord.OwnerPrompt(guild.OwnerID, guildID, userID, reason, manifest); err != nil {
		m.logger.Warn("owner prompt failed", zap.String("guild_id", guildID), zap.Error(err))
	}

	m.actions.LogAction(ctx, guildID, userID, "quarantine", "", map[string]any{
		"reason":        reason,
		"removed_roles": strings.Join(manifest, ","),
		"duration_secs": int(duration.Seconds()),
	})
	m.logger.Warn("member quarantined",
		zap.String("guild_id", guildID),
		zap.String("user_id", userID),
		zap.String("reason", reason),
		zap.Strings("roles", manifest),
	)
	return nil
}

// Unquarantine restores the recorded roles that still exist, closes the
// record, and hands out a temporary admin grant so the tracker does not
// immediately re-trigger on the returning admin.
func (m *Manager) Unquarantine(ctx context.Context, guildID, userID, releasedBy string) error {
	m.mu.Lock()
	delete(m.quarantined, guildID+":"+userID)
	m.mu.Unlock()

	rec, err := m.store.ActiveQuarantine(ctx, guildID, userID)
	if err != nil {
		return err
	}

	guild, err := m.discord.Guild(guildID)
	if err != nil {
		return fmt.Errorf("resolve guild %s: %w", guildID, err)
	}
	existing := make(map[string]struct{}, len(guild.Roles))
	for _, role := range guild.Roles {
		existing[role.ID] = struct{}{}
	}

	var restored []string
	for _, roleID := range rec.Roles {
		if _, ok := existing[roleID]; !ok {
			continue
		}
		if err := m.discord.RoleAdd(guildID, userID, roleID); err != nil {
			m.logger.Warn("role restore failed",
				zap.String("guild_id", guildID),
				zap.String("user_id", userID),
				zap.String("role_id", roleID),
				zap.Error(err),
			)
			continue
		}
		restored = append(restored, roleID)
	}

	now := m.clock.Now()
	if err := m.store.DeactivateQuarantine(ctx, rec.ID, now); err != nil {
		return fmt.Errorf("close quarantine record: %w", err)
	}

	grant := m.grants.Grant(guildID, userID, m.cfg.TempAdminFor)

	if err := m.discord.DirectMessage(userID, fmt.Sprintf(
		"Your roles in **%s** have been restored. You hold a temporary admin allowance until %s.",
		guild.Name, grant.ExpiresAt.UTC().Format(time.RFC1123),
	)); err != nil {
		m.logger.Debug("release DM failed", zap.String("user_id", userID), zap.Error(err))
	}
	if releasedBy != "" && releasedBy != userID {
		_ = m.discord.DirectMessage(releasedBy, fmt.Sprintf("Quarantine for <@%s> in **%s** has been lifted.", userID, guild.Name))
	}
	if guild.OwnerID != releasedBy && guild.OwnerID != userID {
		_ = m.discord.DirectMessage(guild.OwnerID, fmt.Sprintf("Quarantine for <@%s> in **%s** has been lifted.", userID, guild.Name))
	}

	m.actions.LogAction(ctx, guildID, userID, "unquarantine", "", map[string]any{
		"restored_roles":   strings.Join(restored, ","),
		"released_by":      releasedBy,
		"temp_admin_until": grant.ExpiresAt.Unix(),
	})
	m.logger.Info("member released from quarantine",
		zap.String("guild_id", guildID),
		zap.String("user_id", userID),
		zap.Strings("restored", restored),
	)
	return nil
}

func (m *Manager) ListActive(ctx context.Context, guildID string) ([]storage.QuarantineRecord, error) {
	return m.store.ListActiveQuarantines(ctx, guildID)
}

// Run drives the periodic sweeps until the context ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep releases expired quarantines and audits expired temp-admin
// grants, re-quarantining holders whose trailing activity looks like
// the behavior that got them quarantined in the first place.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.clock.Now()

	expired, err := m.store.ListExpiredQuarantines(ctx, now)
	if err != nil {
		m.logger.Warn("expired quarantine scan failed", zap.Error(err))
	} else {
		for _, rec := range expired {
			if err := m.Unquarantine(ctx, rec.GuildID, rec.UserID, ""); err != nil {
				m.logger.Warn("auto release failed",
					zap.String("guild_id", rec.GuildID),
					zap.String("user_id", rec.UserID),
					zap.Error(err),
				)
			}
		}
	}

	for _, grant := range m.grants.Expired() {
		if m.suspicious(ctx, grant.GuildID, grant.UserID) {
			if err := m.Quarantine(ctx, grant.GuildID, grant.UserID,
				"Suspicious activity during temporary admin period", m.cfg.RequarantineFor); err != nil {
				m.logger.Warn("re-quarantine failed",
					zap.String("guild_id", grant.GuildID),
					zap.String("user_id", grant.UserID),
					zap.Error(err),
				)
			}
		}
	}
}

func (m *Manager) suspicious(ctx context.Context, guildID, userID string) bool {
	since := m.clock.Now().Add(-m.cfg.Suspicion.Lookback)
	checks := []struct {
		actionType string
		limit      int
	}{
		{"ban", m.cfg.Suspicion.Bans},
		{"kick", m.cfg.Suspicion.Kicks},
		{"channel_delete", m.cfg.Suspicion.ChannelDeletes},
		{"role_update", m.cfg.Suspicion.RoleUpdates},
	}
	for _, check := range checks {
		if check.limit <= 0 {
			continue
		}
		count, err := m.actions.CountSince(ctx, guildID, userID, check.actionType, since)
		if err != nil {
			m.logger.Warn("suspicion count failed", zap.String("action_type", check.actionType), zap.Error(err))
			continue
		}
		if count >= check.limit {
			return true
		}
	}
	return false
}

// removableAdminRoles returns the guild's admin-capable roles sitting
// strictly below the bot's own top role.
func (m *Manager) removableAdminRoles(guild *discordgo.Guild) map[string]*discordgo.Role {
	botTop := 0
	if bot, err := m.discord.Member(guild.ID, m.discord.BotUserID()); err == nil {
		positions := make(map[string]int, len(guild.Roles))
		for _, role := range guild.Roles {
			positions[role.ID] = role.Position
		}
		for _, roleID := range bot.Roles {
			if pos, ok := positions[roleID]; ok && pos > botTop {
				botTop = pos
			}
		}
	}

	removable := make(map[string]*discordgo.Role)
	for _, role := range guild.Roles {
		if role.ID == guild.ID {
			continue
		}
		if role.Permissions&adminCapable == 0 {
			continue
		}
		if role.Position >= botTop {
			continue
		}
		removable[role.ID] = role
	}
	return removable
}
