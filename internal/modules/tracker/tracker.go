package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"aegis-sentry/internal/storage"
	"aegis-sentry/internal/utils"

	"go.uber.org/zap"
)

// Action types the tracker counts. Anything else passes through
// untracked but still lands in the action log.
const (
	ActionBan           = "ban"
	ActionKick          = "kick"
	ActionChannelDelete = "channel_delete"
	ActionRoleUpdate    = "role_update"
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type SettingsSource interface {
	SecuritySettings(ctx context.Context, guildID string) (storage.GuildSecuritySettings, error)
}

type GrantSource interface {
	IsActive(guildID, userID string) bool
}

type Quarantiner interface {
	IsQuarantined(guildID, userID string) bool
	Quarantine(ctx context.Context, guildID, userID, reason string, duration time.Duration) error
}

type ActionRecorder interface {
	LogAction(ctx context.Context, guildID, userID, actionType, targetID string, details map[string]any)
}

type Config struct {
	Window        time.Duration
	Thresholds    map[string]int
	QuarantineFor time.Duration
	BotUserID     string
}

// Tracker decides, per observed admin action, whether the actor may
// proceed. The only blocking outcomes are an already-active quarantine
// and a threshold breach that quarantines successfully; every failure
// inside the pipeline resolves to allow, so a broken security layer
// degrades to a no-op rather than locking legitimate admins out.
type Tracker struct {
	mu      sync.Mutex
	windows *utils.WindowSet

	cfg         Config
	clock       Clock
	settings    SettingsSource
	grants      GrantSource
	quarantines Quarantiner
	actions     ActionRecorder
	logger      *zap.Logger
}

func New(cfg Config, settings SettingsSource, grants GrantSource, quarantines Quarantiner, actions ActionRecorder, logger *zap.Logger) *Tracker {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Tracker{
		windows:     utils.NewWindowSet(),
		cfg:         cfg,
		clock:       realClock{},
		settings:    settings,
		grants:      grants,
		quarantines: quarantines,
		actions:     actions,
		logger:      logger,
	}
}

func (t *Tracker) WithClock(clock Clock) {
	t.clock = clock
}

// SetBotUserID installs the bot's own user ID once the gateway session
// is ready, so the bot's role mutations never count against it.
func (t *Tracker) SetBotUserID(id string) {
	t.mu.Lock()
	t.cfg.BotUserID = id
	t.mu.Unlock()
}

// RecordAction reports whether the action should stand. A false return
// means the actor was (or already is) quarantined and the caller should
// undo the action's effect where possible.
func (t *Tracker) RecordAction(ctx context.Context, guildID, userID, actionType, targetID string) bool {
	t.mu.Lock()
	botID := t.cfg.BotUserID
	t.mu.Unlock()
	if botID != "" && userID == botID {
		return true
	}

	enabled := true
	settings, err := t.settings.SecuritySettings(ctx, guildID)
	if err != nil {
		// Unknown state counts as enabled so a flaky store cannot
		// silently switch protection off.
		t.logger.Warn("settings lookup failed, assuming enabled", zap.String("guild_id", guildID), zap.Error(err))
	} else {
		enabled = settings.SecurityEnabled && settings.ActionsSecurityEnabled
	}
	if !enabled {
		return true
	}

	if t.grants.IsActive(guildID, userID) {
		return true
	}

	if t.quarantines.IsQuarantined(guildID, userID) {
		t.logger.Info("action blocked, actor quarantined",
			zap.String("guild_id", guildID),
			zap.String("user_id", userID),
			zap.String("action_type", actionType),
		)
		return false
	}

	now := t.clock.Now()
	count := t.windows.Add(guildID+":"+userID+":"+actionType, now, t.cfg.Window)

	t.actions.LogAction(ctx, guildID, userID, actionType, targetID, map[string]any{
		"count_in_window": count,
	})

	threshold, tracked := t.cfg.Thresholds[actionType]
	if !tracked || count < threshold {
		return true
	}

	minutes := int(t.cfg.Window.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	reason := fmt.Sprintf("Multiple %s actions within %d minute(s)", actionType, minutes)
	if err := t.quarantines.Quarantine(ctx, guildID, userID, reason, t.cfg.QuarantineFor); err != nil {
		// Fail open: an unquarantinable actor keeps acting rather than
		// the guild losing a possibly legitimate admin.
		t.logger.Error("quarantine failed, allowing action",
			zap.String("guild_id", guildID),
			zap.String("user_id", userID),
			zap.String("action_type", actionType),
			zap.Error(err),
		)
		return true
	}
	return false
}
