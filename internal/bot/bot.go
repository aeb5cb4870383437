package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"aegis-sentry/internal/analytics"
	"aegis-sentry/internal/config"
	"aegis-sentry/internal/metrics"
	"aegis-sentry/internal/modules/actionlog"
	"aegis-sentry/internal/modules/antiraid"
	"aegis-sentry/internal/modules/approval"
	"aegis-sentry/internal/modules/quarantine"
	"aegis-sentry/internal/modules/tempadmin"
	"aegis-sentry/internal/modules/tracker"
	"aegis-sentry/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// auditActorWindow bounds how old an audit log entry may be and still
// attribute a gateway event. Discord delivers events within seconds;
// anything older belongs to an earlier, unrelated action.
const auditActorWindow = 30 * time.Second

// Bot owns the gateway session and routes events into the security
// modules.
type Bot struct {
	cfg     config.Config
	logger  *zap.Logger
	store   *storage.Store
	session *discordgo.Session
	adapter *sessionAdapter

	actions    *actionlog.Logger
	grants     *tempadmin.Registry
	quarantine *quarantine.Manager
	tracker    *tracker.Tracker
	approval   *approval.Workflow
	antiraid   *antiraid.Monitor
	analytics  *analytics.Service

	mu        sync.Mutex
	prevRoles map[string][]string
}

func New(cfg config.Config, logger *zap.Logger, store *storage.Store) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildBans |
		discordgo.IntentsMessageContent

	adapter := &sessionAdapter{session: session}

	actions := actionlog.NewLogger(store, logger)
	actions.SetNotifier(func(_ context.Context, entry storage.ActionLog) {
		metrics.ObserveAction(entry.ActionType)
		switch entry.ActionType {
		case "antiraid_lock":
			metrics.ChannelLocked()
		case "antiraid_unlock":
			metrics.ChannelUnlocked()
		}
	})

	grants := tempadmin.NewRegistry()

	manager := quarantine.NewManager(quarantine.Config{
		QuarantineFor:   time.Duration(cfg.Quarantine.DurationHours) * time.Hour,
		TempAdminFor:    time.Duration(cfg.Quarantine.TempAdminHours) * time.Hour,
		SweepEvery:      time.Duration(cfg.Quarantine.SweepMinutes) * time.Minute,
		RequarantineFor: time.Duration(cfg.Quarantine.RequarantineHours) * time.Hour,
		Suspicion: quarantine.SuspicionThresholds{
			Lookback:       time.Duration(cfg.Suspicion.LookbackMinutes) * time.Minute,
			Bans:           cfg.Suspicion.Bans,
			Kicks:          cfg.Suspicion.Kicks,
			ChannelDeletes: cfg.Suspicion.ChannelDeletes,
			RoleUpdates:    cfg.Suspicion.RoleUpdates,
		},
	}, store, adapter, grants, actions, logger)

	trk := tracker.New(tracker.Config{
		Window: time.Duration(cfg.Tracker.WindowSeconds) * time.Second,
		Thresholds: map[string]int{
			tracker.ActionBan:           cfg.Tracker.BanThreshold,
			tracker.ActionKick:          cfg.Tracker.KickThreshold,
			tracker.ActionChannelDelete: cfg.Tracker.ChannelDeleteLimit,
		},
		QuarantineFor: time.Duration(cfg.Quarantine.DurationHours) * time.Hour,
	}, store, grants, manager, actions, logger)

	monitor := antiraid.New(antiraid.Config{
		Defaults: storage.AntiRaidSettings{
			Enabled:          true,
			MessageThreshold: cfg.AntiRaid.MessageThreshold,
			TimeWindowSecs:   cfg.AntiRaid.TimeWindowSeconds,
			LockDurationSecs: cfg.AntiRaid.LockDurationSeconds,
		},
		CleanupEvery: time.Duration(cfg.AntiRaid.CleanupSeconds) * time.Second,
	}, store, adapter, actions, logger)

	return &Bot{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		session:    session,
		adapter:    adapter,
		actions:    actions,
		grants:     grants,
		quarantine: manager,
		tracker:    trk,
		approval:   approval.NewWorkflow(store, adapter, logger),
		antiraid:   monitor,
		analytics:  analytics.New(store),
		prevRoles:  make(map[string][]string),
	}, nil
}

// Start opens the gateway connection, registers the slash commands and
// launches the background sweeps. It returns once the session is up.
func (b *Bot) Start(ctx context.Context) error {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onGuildCreate)
	b.session.AddHandler(b.onGuildBanAdd)
	b.session.AddHandler(b.onGuildMemberRemove)
	b.session.AddHandler(b.onChannelDelete)
	b.session.AddHandler(b.onGuildMemberUpdate)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	if err := b.registerCommands(); err != nil {
		b.logger.Error("command registration failed", zap.Error(err))
	}

	go b.quarantine.Run(ctx)
	go b.antiraid.Run(ctx)
	return nil
}

func (b *Bot) Close() error {
	return b.session.Close()
}

func (b *Bot) onReady(_ *discordgo.Session, event *discordgo.Ready) {
	b.tracker.SetBotUserID(event.User.ID)
	b.logger.Info("gateway ready",
		zap.String("user_id", event.User.ID),
		zap.Int("guilds", len(event.Guilds)),
	)
}

func (b *Bot) onGuildCreate(_ *discordgo.Session, event *discordgo.GuildCreate) {
	b.quarantine.Hydrate(context.Background(), []string{event.ID})
}

func (b *Bot) onGuildBanAdd(_ *discordgo.Session, event *discordgo.GuildBanAdd) {
	ctx := context.Background()
	actor := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionMemberBanAdd, event.User.ID)
	if actor == "" {
		b.logger.Debug("ban without attributable actor", zap.String("guild_id", event.GuildID))
		return
	}
	if b.tracker.RecordAction(ctx, event.GuildID, actor, tracker.ActionBan, event.User.ID) {
		return
	}
	metrics.ObserveBlocked(tracker.ActionBan)
	// Undo the blocked actor's ban so the target is not collateral.
	if err := b.session.GuildBanDelete(event.GuildID, event.User.ID); err != nil {
		b.logger.Warn("unban of blocked ban failed",
			zap.String("guild_id", event.GuildID),
			zap.String("user_id", event.User.ID),
			zap.Error(err),
		)
	}
}

func (b *Bot) onGuildMemberRemove(_ *discordgo.Session, event *discordgo.GuildMemberRemove) {
	// Leaves and kicks arrive as the same event; only a fresh kick entry
	// in the audit log marks this one as a kick.
	actor := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionMemberKick, event.User.ID)
	if actor == "" {
		b.forgetRoles(event.GuildID, event.User.ID)
		return
	}
	if !b.tracker.RecordAction(context.Background(), event.GuildID, actor, tracker.ActionKick, event.User.ID) {
		metrics.ObserveBlocked(tracker.ActionKick)
	}
	b.forgetRoles(event.GuildID, event.User.ID)
}

func (b *Bot) onChannelDelete(_ *discordgo.Session, event *discordgo.ChannelDelete) {
	if event.GuildID == "" {
		return
	}
	actor := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionChannelDelete, event.ID)
	if actor == "" {
		return
	}
	if !b.tracker.RecordAction(context.Background(), event.GuildID, actor, tracker.ActionChannelDelete, event.ID) {
		metrics.ObserveBlocked(tracker.ActionChannelDelete)
	}
}

func (b *Bot) onGuildMemberUpdate(_ *discordgo.Session, event *discordgo.GuildMemberUpdate) {
	if event.User == nil {
		return
	}
	ctx := context.Background()

	prior := b.priorRoles(event)
	added := addedRoles(prior, event.Roles)
	b.rememberRoles(event.GuildID, event.User.ID, event.Roles)
	if len(added) == 0 {
		return
	}

	actor := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionMemberRoleUpdate, event.User.ID)
	if actor == "" {
		b.logger.Debug("role update without attributable actor",
			zap.String("guild_id", event.GuildID),
			zap.String("user_id", event.User.ID),
		)
		return
	}
	if actor != b.adapter.BotUserID() {
		// Role updates are not throttled, but they feed the action log
		// for the temp-admin suspicion check.
		b.tracker.RecordAction(ctx, event.GuildID, actor, tracker.ActionRoleUpdate, event.User.ID)
	}

	for _, roleID := range added {
		if err := b.approval.HandleRoleGrant(ctx, event.GuildID, event.User.ID, roleID, actor); err != nil {
			b.logger.Warn("role grant handling failed",
				zap.String("guild_id", event.GuildID),
				zap.String("user_id", event.User.ID),
				zap.String("role_id", roleID),
				zap.Error(err),
			)
		}
	}
}

func (b *Bot) onMessageCreate(_ *discordgo.Session, event *discordgo.MessageCreate) {
	if event.Author == nil || event.Author.Bot || event.GuildID == "" {
		return
	}
	var roles []string
	if event.Member != nil {
		roles = event.Member.Roles
	} else if member, err := b.adapter.Member(event.GuildID, event.Author.ID); err == nil {
		roles = member.Roles
	}
	b.antiraid.HandleMessage(context.Background(), event.GuildID, event.ChannelID, event.Author.ID, roles)
}

// resolveAuditActor attributes a gateway event to the admin who caused
// it by scanning the newest audit log entries for a fresh one matching
// the target.
func (b *Bot) resolveAuditActor(guildID string, action discordgo.AuditLogAction, targetID string) string {
	auditLog, err := b.session.GuildAuditLog(guildID, "", "", int(action), 5)
	if err != nil {
		b.logger.Debug("audit log fetch failed", zap.String("guild_id", guildID), zap.Error(err))
		return ""
	}
	for _, entry := range auditLog.AuditLogEntries {
		if entry.TargetID != targetID {
			continue
		}
		if ts, err := discordgo.SnowflakeTimestamp(entry.ID); err == nil && time.Since(ts) > auditActorWindow {
			continue
		}
		return entry.UserID
	}
	return ""
}

func (b *Bot) priorRoles(event *discordgo.GuildMemberUpdate) []string {
	if event.BeforeUpdate != nil {
		return event.BeforeUpdate.Roles
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prevRoles[event.GuildID+":"+event.User.ID]
}

func (b *Bot) rememberRoles(guildID, userID string, roles []string) {
	b.mu.Lock()
	b.prevRoles[guildID+":"+userID] = append([]string(nil), roles...)
	b.mu.Unlock()
}

func (b *Bot) forgetRoles(guildID, userID string) {
	b.mu.Lock()
	delete(b.prevRoles, guildID+":"+userID)
	b.mu.Unlock()
}

func addedRoles(before, after []string) []string {
	prior := make(map[string]struct{}, len(before))
	for _, roleID := range before {
		prior[roleID] = struct{}{}
	}
	var added []string
	for _, roleID := range after {
		if _, ok := prior[roleID]; !ok {
			added = append(added, roleID)
		}
	}
	return added
}
