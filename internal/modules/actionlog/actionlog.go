package actionlog

import (
	"context"
	"encoding/json"
	"time"

	"aegis-sentry/internal/storage"

	"go.uber.org/zap"
)

// Logger records admin actions for the throttling windows and the
// suspicion checks. Persistence failures are logged and swallowed so
// callers on the event path never block on the log.
type Logger struct {
	store  *storage.Store
	logger *zap.Logger
	notify func(context.Context, storage.ActionLog)
}

func NewLogger(store *storage.Store, logger *zap.Logger) *Logger {
	return &Logger{store: store, logger: logger}
}

func (l *Logger) SetNotifier(notify func(context.Context, storage.ActionLog)) {
	l.notify = notify
}

func (l *Logger) LogAction(ctx context.Context, guildID, userID, actionType, targetID string, details map[string]any) {
	payload := ""
	if len(details) > 0 {
		if data, err := json.Marshal(details); err == nil {
			payload = string(data)
		}
	}

	entry := storage.ActionLog{
		GuildID:    guildID,
		UserID:     userID,
		ActionType: actionType,
		TargetID:   targetID,
		Details:    payload,
		CreatedAt:  time.Now(),
	}
	if l.store != nil {
		if err := l.store.AddActionLog(ctx, entry); err != nil {
			l.logger.Warn("action log persist failed", zap.String("guild_id", guildID), zap.Error(err))
		}
	}
	if l.notify != nil {
		l.notify(ctx, entry)
	}
	l.logger.Info("admin action",
		zap.String("guild_id", guildID),
		zap.String("user_id", userID),
		zap.String("action_type", actionType),
		zap.String("target_id", targetID),
	)
}

func (l *Logger) CountSince(ctx context.Context, guildID, userID, actionType string, since time.Time) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	return l.store.CountActionsSince(ctx, guildID, userID, actionType, since)
}
