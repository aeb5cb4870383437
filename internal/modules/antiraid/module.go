package antiraid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"aegis-sentry/internal/storage"
	"aegis-sentry/internal/utils"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

type realTimer struct{ t *time.Timer }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

func (t realTimer) Stop() bool { return t.t.Stop() }

type Discord interface {
	Guild(guildID string) (*discordgo.Guild, error)
	Member(guildID, userID string) (*discordgo.Member, error)
	Channel(channelID string) (*discordgo.Channel, error)
	BotUserID() string
	ChannelPermissionSet(channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64) error
	ChannelPermissionDelete(channelID, targetID string) error
	ChannelMessageSend(channelID, content string) error
}

type SettingsSource interface {
	AntiRaidSettings(ctx context.Context, guildID string, defaults storage.AntiRaidSettings) (storage.AntiRaidSettings, error)
	ListAdminRoles(ctx context.Context, guildID string) ([]string, error)
}

type ActionRecorder interface {
	LogAction(ctx context.Context, guildID, userID, actionType, targetID string, details map[string]any)
}

type overwriteSnapshot struct {
	allow int64
	deny  int64
	had   bool
}

type lockState struct {
	guildID   string
	overrides map[string]overwriteSnapshot
	timer     Timer
}

type Config struct {
	Defaults     storage.AntiRaidSettings
	CleanupEvery time.Duration
}

// Monitor watches per-channel message rates and locks a channel down
// when the flood threshold trips. One lock per channel at a time;
// restoration puts every role overwrite back exactly as captured.
type Monitor struct {
	mu      sync.Mutex
	windows *utils.WindowSet
	locks   map[string]*lockState

	cfg      Config
	clock    Clock
	settings SettingsSource
	discord  Discord
	actions  ActionRecorder
	logger   *zap.Logger
}

func New(cfg Config, settings SettingsSource, discord Discord, actions ActionRecorder, logger *zap.Logger) *Monitor {
	if cfg.CleanupEvery <= 0 {
		cfg.CleanupEvery = time.Minute
	}
	return &Monitor{
		windows:  utils.NewWindowSet(),
		locks:    make(map[string]*lockState),
		cfg:      cfg,
		clock:    realClock{},
		settings: settings,
		discord:  discord,
		actions:  actions,
		logger:   logger,
	}
}

func (m *Monitor) WithClock(clock Clock) {
	m.clock = clock
}

// HandleMessage feeds one non-bot message into the channel's window.
// Exempt authors (administrators and configured roles) do not count.
func (m *Monitor) HandleMessage(ctx context.Context, guildID, channelID, userID string, memberRoles []string) {
	settings, err := m.settings.AntiRaidSettings(ctx, guildID, m.cfg.Defaults)
	if err != nil {
		m.logger.Warn("antiraid settings lookup failed", zap.String("guild_id", guildID), zap.Error(err))
		return
	}
	if !settings.Enabled {
		return
	}

	guild, err := m.discord.Guild(guildID)
	if err != nil {
		return
	}
	if userID == guild.OwnerID {
		return
	}
	adminRoles, err := m.settings.ListAdminRoles(ctx, guildID)
	if err != nil {
		m.logger.Warn("admin role lookup failed", zap.String("guild_id", guildID), zap.Error(err))
	}
	if m.isExempt(guild, memberRoles, settings.ExemptRoles, adminRoles) {
		return
	}

	now := m.clock.Now()
	count := m.windows.Add(guildID+":"+channelID, now, time.Duration(settings.TimeWindowSecs)*time.Second)
	if count < settings.MessageThreshold {
		return
	}

	m.lock(ctx, guild, channelID, userID, settings, count)
}

// isExempt reports whether the author holds an exempt role, a
// registered admin role, or a role carrying the administrator bit.
func (m *Monitor) isExempt(guild *discordgo.Guild, memberRoles, exemptRoles, adminRoles []string) bool {
	exempt := make(map[string]struct{}, len(exemptRoles)+len(adminRoles))
	for _, roleID := range exemptRoles {
		exempt[roleID] = struct{}{}
	}
	for _, roleID := range adminRoles {
		exempt[roleID] = struct{}{}
	}
	perms := make(map[string]int64, len(guild.Roles))
	for _, role := range guild.Roles {
		perms[role.ID] = role.Permissions
	}
	for _, roleID := range memberRoles {
		if _, ok := exempt[roleID]; ok {
			return true
		}
		if perms[roleID]&discordgo.PermissionAdministrator != 0 {
			return true
		}
	}
	return false
}

func (m *Monitor) lock(ctx context.Context, guild *discordgo.Guild, channelID, userID string, settings storage.AntiRaidSettings, count int) {
	m.mu.Lock()
	if _, locked := m.locks[channelID]; locked {
		m.mu.Unlock()
		return
	}
	// Reserve the slot before touching the API so a message burst
	// cannot trigger overlapping locks.
	m.locks[channelID] = &lockState{guildID: guild.ID}
	m.mu.Unlock()

	channel, err := m.discord.Channel(channelID)
	if err != nil {
		m.mu.Lock()
		delete(m.locks, channelID)
		m.mu.Unlock()
		m.logger.Warn("channel lookup failed, lock aborted", zap.String("channel_id", channelID), zap.Error(err))
		return
	}

	existing := make(map[string]overwriteSnapshot)
	for _, overwrite := range channel.PermissionOverwrites {
		if overwrite.Type != discordgo.PermissionOverwriteTypeRole {
			continue
		}
		existing[overwrite.ID] = overwriteSnapshot{allow: overwrite.Allow, deny: overwrite.Deny, had: true}
	}

	botRoles := make(map[string]struct{})
	if bot, err := m.discord.Member(guild.ID, m.discord.BotUserID()); err == nil {
		for _, roleID := range bot.Roles {
			botRoles[roleID] = struct{}{}
		}
	}
	exempt := make(map[string]struct{}, len(settings.ExemptRoles))
	for _, roleID := range settings.ExemptRoles {
		exempt[roleID] = struct{}{}
	}

	lockFor := time.Duration(settings.LockDurationSecs) * time.Second
	_ = m.discord.ChannelMessageSend(channelID, fmt.Sprintf(
		"🔒 Raid protection engaged: this channel is locked for %d seconds.", settings.LockDurationSecs))

	overrides := make(map[string]overwriteSnapshot)
	for _, role := range guild.Roles {
		if _, ok := exempt[role.ID]; ok {
			continue
		}
		if _, ok := botRoles[role.ID]; ok {
			continue
		}
		snap := existing[role.ID]
		overrides[role.ID] = snap

		allow := snap.allow &^ discordgo.PermissionSendMessages
		deny := snap.deny | discordgo.PermissionSendMessages
		if err := m.discord.ChannelPermissionSet(channelID, role.ID, discordgo.PermissionOverwriteTypeRole, allow, deny); err != nil {
			m.logger.Warn("lock overwrite failed",
				zap.String("channel_id", channelID),
				zap.String("role_id", role.ID),
				zap.Error(err),
			)
		}
	}

	state := &lockState{guildID: guild.ID, overrides: overrides}
	state.timer = m.clock.AfterFunc(lockFor, func() {
		if err := m.Unlock(context.Background(), channelID); err != nil {
			m.logger.Warn("scheduled unlock failed", zap.String("channel_id", channelID), zap.Error(err))
		}
	})
	m.mu.Lock()
	m.locks[channelID] = state
	m.mu.Unlock()

	m.actions.LogAction(ctx, guild.ID, userID, "antiraid_lock", channelID, map[string]any{
		"message_count": count,
		"threshold":     settings.MessageThreshold,
		"lock_seconds":  settings.LockDurationSecs,
	})
	m.logger.Warn("channel locked",
		zap.String("guild_id", guild.ID),
		zap.String("channel_id", channelID),
		zap.Int("message_count", count),
	)
}

// Unlock restores the captured overwrites and reopens the channel. It
// serves both the scheduled unlock and the manual command.
func (m *Monitor) Unlock(ctx context.Context, channelID string) error {
	m.mu.Lock()
	state, ok := m.locks[channelID]
	if ok {
		delete(m.locks, channelID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("channel %s is not locked", channelID)
	}
	if state.timer != nil {
		state.timer.Stop()
	}

	for roleID, snap := range state.overrides {
		var err error
		if snap.had {
			err = m.discord.ChannelPermissionSet(channelID, roleID, discordgo.PermissionOverwriteTypeRole, snap.allow, snap.deny)
		} else {
			err = m.discord.ChannelPermissionDelete(channelID, roleID)
		}
		if err != nil {
			m.logger.Warn("unlock restore failed",
				zap.String("channel_id", channelID),
				zap.String("role_id", roleID),
				zap.Error(err),
			)
		}
	}

	m.windows.Reset(state.guildID + ":" + channelID)

	_ = m.discord.ChannelMessageSend(channelID, "🔓 Raid protection lifted: channel unlocked.")
	m.actions.LogAction(ctx, state.guildID, "", "antiraid_unlock", channelID, nil)
	m.logger.Info("channel unlocked", zap.String("channel_id", channelID))
	return nil
}

func (m *Monitor) Locked(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locks[channelID]
	return ok
}

// Run prunes idle message windows until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup()
		}
	}
}

// Cleanup drops windows with no hits left so quiet channels do not
// accumulate state.
func (m *Monitor) Cleanup() {
	m.windows.Prune(m.clock.Now())
}
