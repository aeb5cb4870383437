package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"aegis-sentry/internal/analytics"
	"aegis-sentry/internal/metrics"
	"aegis-sentry/internal/modules/approval"
	"aegis-sentry/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func (b *Bot) onInteractionCreate(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	ctx := context.Background()
	switch interaction.Type {
	case discordgo.InteractionApplicationCommand:
		data := interaction.ApplicationCommandData()
		switch data.Name {
		case "security":
			b.handleSecurityCommand(ctx, session, interaction, data.Options)
		case "quarantine":
			b.handleQuarantineCommand(ctx, session, interaction, data.Options)
		case "antiraid":
			b.handleAntiRaidCommand(ctx, session, interaction, data.Options)
		}
	case discordgo.InteractionMessageComponent:
		b.handleComponent(ctx, session, interaction)
	}
}

func (b *Bot) handleSecurityCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(options) == 0 {
		return
	}
	if !b.canManage(interaction) {
		b.respond(session, interaction, "You need the Manage Server permission for this command.")
		return
	}
	guildID := interaction.GuildID
	sub := options[0]

	switch sub.Name {
	case "status":
		settings, err := b.store.SecuritySettings(ctx, guildID)
		if err != nil {
			b.respond(session, interaction, "Could not load the security settings.")
			return
		}
		active, _ := b.quarantine.ListActive(ctx, guildID)
		b.respondEmbed(session, interaction, b.commandEmbed("Security status", []*discordgo.MessageEmbedField{
			{Name: "Protection", Value: onOff(settings.SecurityEnabled), Inline: true},
			{Name: "Action tracking", Value: onOff(settings.ActionsSecurityEnabled), Inline: true},
			{Name: "Active quarantines", Value: strconv.Itoa(len(active)), Inline: true},
		}))

	case "toggle":
		args := optionMap(sub.Options)
		scope := stringOption(args, "scope", "security")
		enabled := boolOption(args, "enabled", true)
		var err error
		if scope == "actions" {
			err = b.store.SetActionsSecurityEnabled(ctx, guildID, enabled)
		} else {
			err = b.store.SetSecurityEnabled(ctx, guildID, enabled)
		}
		if err != nil {
			b.respond(session, interaction, "Could not update the setting.")
			return
		}
		b.respond(session, interaction, fmt.Sprintf("Set `%s` to **%s**.", scope, onOff(enabled)))

	case "actions":
		args := optionMap(sub.Options)
		since := time.Now().Add(-time.Duration(intOption(args, "hours", 24)) * time.Hour)
		logs, err := b.store.ListActionLogs(ctx, guildID, since)
		if err != nil {
			b.respond(session, interaction, "Could not load the action log.")
			return
		}
		if user := userOption(args, "user"); user != "" {
			filtered := logs[:0]
			for _, entry := range logs {
				if entry.UserID == user {
					filtered = append(filtered, entry)
				}
			}
			logs = filtered
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Recent admin actions", []*discordgo.MessageEmbedField{
			{Name: "Entries", Value: formatActionLogs(logs)},
		}))

	case "adminrole":
		args := optionMap(sub.Options)
		action := stringOption(args, "action", "list")
		roleID := roleOption(args, "role")
		switch action {
		case "add":
			if roleID == "" {
				b.respond(session, interaction, "Pick a role to register.")
				return
			}
			if err := b.store.AddAdminRole(ctx, guildID, roleID); err != nil {
				b.respond(session, interaction, "Could not register the role.")
				return
			}
			b.respond(session, interaction, fmt.Sprintf("<@&%s> is now treated as an admin role.", roleID))
		case "remove":
			if roleID == "" {
				b.respond(session, interaction, "Pick a role to unregister.")
				return
			}
			if err := b.store.RemoveAdminRole(ctx, guildID, roleID); err != nil {
				b.respond(session, interaction, "Could not unregister the role.")
				return
			}
			b.respond(session, interaction, fmt.Sprintf("<@&%s> is no longer treated as an admin role.", roleID))
		default:
			roles, err := b.store.ListAdminRoles(ctx, guildID)
			if err != nil {
				b.respond(session, interaction, "Could not load the admin roles.")
				return
			}
			b.respond(session, interaction, formatAdminRoles(roles))
		}

	case "report":
		args := optionMap(sub.Options)
		hours := intOption(args, "hours", 24)
		report, err := b.analytics.Report(ctx, guildID, time.Now().Add(-time.Duration(hours)*time.Hour))
		if err != nil {
			b.respond(session, interaction, "Could not build the report.")
			return
		}
		b.respondEmbed(session, interaction, b.commandEmbed(
			fmt.Sprintf("Security report, last %d hour(s)", hours),
			[]*discordgo.MessageEmbedField{
				{Name: "Total actions", Value: strconv.Itoa(report.Total), Inline: true},
				{Name: "By type", Value: formatCounts(report.ByAction)},
				{Name: "Top actors", Value: formatActors(report)},
			}))
	}
}

func (b *Bot) handleQuarantineCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(options) == 0 {
		return
	}
	if !b.canManage(interaction) {
		b.respond(session, interaction, "You need the Manage Server permission for this command.")
		return
	}
	guildID := interaction.GuildID
	sub := options[0]

	switch sub.Name {
	case "status":
		records, err := b.quarantine.ListActive(ctx, guildID)
		if err != nil {
			b.respond(session, interaction, "Could not load the quarantine list.")
			return
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Active quarantines", []*discordgo.MessageEmbedField{
			{Name: "Members", Value: formatQuarantines(records)},
		}))

	case "release":
		args := optionMap(sub.Options)
		userID := userOption(args, "user")
		if userID == "" {
			b.respond(session, interaction, "Pick a member to release.")
			return
		}
		if err := b.quarantine.Unquarantine(ctx, guildID, userID, b.interactionUser(interaction)); err != nil {
			if errors.Is(err, storage.ErrNoActiveQuarantine) {
				b.respond(session, interaction, "That member is not quarantined.")
				return
			}
			b.logger.Warn("manual release failed", zap.String("guild_id", guildID), zap.Error(err))
			b.respond(session, interaction, "Release failed, see the logs.")
			return
		}
		b.respond(session, interaction, fmt.Sprintf("<@%s> has been released and their roles restored.", userID))
	}
}

func (b *Bot) handleAntiRaidCommand(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	if len(options) == 0 {
		return
	}
	if !b.canManage(interaction) {
		b.respond(session, interaction, "You need the Manage Server permission for this command.")
		return
	}
	guildID := interaction.GuildID
	sub := options[0]

	switch sub.Name {
	case "status":
		settings, err := b.store.AntiRaidSettings(ctx, guildID, b.antiRaidDefaults())
		if err != nil {
			b.respond(session, interaction, "Could not load the anti-raid settings.")
			return
		}
		b.respondEmbed(session, interaction, b.commandEmbed("Anti-raid status", []*discordgo.MessageEmbedField{
			{Name: "Enabled", Value: onOff(settings.Enabled), Inline: true},
			{Name: "Threshold", Value: fmt.Sprintf("%d msgs / %ds", settings.MessageThreshold, settings.TimeWindowSecs), Inline: true},
			{Name: "Lock duration", Value: fmt.Sprintf("%ds", settings.LockDurationSecs), Inline: true},
		}))

	case "set":
		args := optionMap(sub.Options)
		settings, err := b.store.AntiRaidSettings(ctx, guildID, b.antiRaidDefaults())
		if err != nil {
			b.respond(session, interaction, "Could not load the anti-raid settings.")
			return
		}
		if opt, ok := args["enabled"]; ok {
			settings.Enabled = opt.BoolValue()
		}
		if opt, ok := args["threshold"]; ok {
			settings.MessageThreshold = int(opt.IntValue())
		}
		if opt, ok := args["window"]; ok {
			settings.TimeWindowSecs = int(opt.IntValue())
		}
		if opt, ok := args["lock_duration"]; ok {
			settings.LockDurationSecs = int(opt.IntValue())
		}
		settings.GuildID = guildID
		if err := b.store.UpsertAntiRaidSettings(ctx, settings); err != nil {
			b.respond(session, interaction, "Could not save the anti-raid settings.")
			return
		}
		b.respond(session, interaction, fmt.Sprintf(
			"Anti-raid updated: %s, %d msgs / %ds, lock %ds.",
			onOff(settings.Enabled), settings.MessageThreshold, settings.TimeWindowSecs, settings.LockDurationSecs))

	case "unlock":
		args := optionMap(sub.Options)
		channelID := channelOption(args, "channel")
		if channelID == "" {
			channelID = interaction.ChannelID
		}
		if err := b.antiraid.Unlock(ctx, channelID); err != nil {
			b.respond(session, interaction, "That channel is not locked.")
			return
		}
		b.respond(session, interaction, fmt.Sprintf("<#%s> has been unlocked.", channelID))
	}
}

// handleComponent resolves the buttons on the owner DM prompts. Custom
// IDs carry the routing: verb:guildID:subject.
func (b *Bot) handleComponent(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	parts := strings.SplitN(interaction.MessageComponentData().CustomID, ":", 3)
	if len(parts) != 3 {
		return
	}
	verb, guildID, subject := parts[0], parts[1], parts[2]
	clicker := b.interactionUser(interaction)

	switch verb {
	case "quarantine_release", "quarantine_keep":
		guild, err := b.adapter.Guild(guildID)
		if err != nil || clicker != guild.OwnerID {
			b.respond(session, interaction, "Only the server owner can decide this.")
			return
		}
		if verb == "quarantine_keep" {
			b.respond(session, interaction, fmt.Sprintf("<@%s> stays quarantined.", subject))
			return
		}
		if err := b.quarantine.Unquarantine(ctx, guildID, subject, clicker); err != nil {
			if errors.Is(err, storage.ErrNoActiveQuarantine) {
				b.respond(session, interaction, "That quarantine was already lifted.")
				return
			}
			b.logger.Warn("prompt release failed", zap.String("guild_id", guildID), zap.Error(err))
			b.respond(session, interaction, "Release failed, see the logs.")
			return
		}
		b.respond(session, interaction, fmt.Sprintf("<@%s> has been released and their roles restored.", subject))

	case "assignment_approve", "assignment_decline":
		id, err := strconv.ParseInt(subject, 10, 64)
		if err != nil {
			return
		}
		if verb == "assignment_approve" {
			err = b.approval.Approve(ctx, guildID, id, clicker)
			if err == nil {
				metrics.ObserveVerdict("approved")
			}
		} else {
			err = b.approval.Decline(ctx, guildID, id, clicker)
			if err == nil {
				metrics.ObserveVerdict("declined")
			}
		}
		b.respond(session, interaction, verdictMessage(verb, err))
	}
}

func verdictMessage(verb string, err error) string {
	switch {
	case err == nil && verb == "assignment_approve":
		return "Approved. The role has been applied."
	case err == nil:
		return "Declined. The role stays revoked."
	case errors.Is(err, approval.ErrNotOwner):
		return "Only the server owner can decide this."
	case errors.Is(err, approval.ErrSelfAssignment):
		return "Self-granted roles are declined automatically."
	case errors.Is(err, approval.ErrInFlight):
		return "This request is already being processed."
	case errors.Is(err, storage.ErrAssignmentNotPending):
		return "This request was already resolved."
	default:
		return "That did not work, see the logs."
	}
}

func (b *Bot) antiRaidDefaults() storage.AntiRaidSettings {
	return storage.AntiRaidSettings{
		Enabled:          true,
		MessageThreshold: b.cfg.AntiRaid.MessageThreshold,
		TimeWindowSecs:   b.cfg.AntiRaid.TimeWindowSeconds,
		LockDurationSecs: b.cfg.AntiRaid.LockDurationSeconds,
	}
}

func (b *Bot) canManage(interaction *discordgo.InteractionCreate) bool {
	if interaction.Member == nil {
		return false
	}
	if guild, err := b.adapter.Guild(interaction.GuildID); err == nil && guild.OwnerID == b.interactionUser(interaction) {
		return true
	}
	return interaction.Member.Permissions&(discordgo.PermissionAdministrator|discordgo.PermissionManageServer) != 0
}

func (b *Bot) interactionUser(interaction *discordgo.InteractionCreate) string {
	if interaction.Member != nil && interaction.Member.User != nil {
		return interaction.Member.User.ID
	}
	if interaction.User != nil {
		return interaction.User.ID
	}
	return ""
}

func (b *Bot) respond(session *discordgo.Session, interaction *discordgo.InteractionCreate, content string) {
	err := session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		b.logger.Warn("interaction response failed", zap.Error(err))
	}
}

func (b *Bot) respondEmbed(session *discordgo.Session, interaction *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	err := session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		b.logger.Warn("interaction response failed", zap.Error(err))
	}
}

func (b *Bot) commandEmbed(title string, fields []*discordgo.MessageEmbedField) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:     title,
		Color:     0x5865F2,
		Fields:    fields,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

func optionMap(options []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	m := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(options))
	for _, opt := range options {
		m[opt.Name] = opt
	}
	return m
}

func stringOption(options map[string]*discordgo.ApplicationCommandInteractionDataOption, name, fallback string) string {
	if opt, ok := options[name]; ok {
		return opt.StringValue()
	}
	return fallback
}

func boolOption(options map[string]*discordgo.ApplicationCommandInteractionDataOption, name string, fallback bool) bool {
	if opt, ok := options[name]; ok {
		return opt.BoolValue()
	}
	return fallback
}

func intOption(options map[string]*discordgo.ApplicationCommandInteractionDataOption, name string, fallback int) int {
	if opt, ok := options[name]; ok && opt.IntValue() > 0 {
		return int(opt.IntValue())
	}
	return fallback
}

func userOption(options map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	if opt, ok := options[name]; ok {
		if user, isString := opt.Value.(string); isString {
			return user
		}
	}
	return ""
}

func roleOption(options map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	if opt, ok := options[name]; ok {
		if role, isString := opt.Value.(string); isString {
			return role
		}
	}
	return ""
}

func channelOption(options map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	if opt, ok := options[name]; ok {
		if channel, isString := opt.Value.(string); isString {
			return channel
		}
	}
	return ""
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}

func formatActionLogs(logs []storage.ActionLog) string {
	if len(logs) == 0 {
		return "No entries in this period."
	}
	const limit = 10
	var sb strings.Builder
	for i, entry := range logs {
		if i == limit {
			fmt.Fprintf(&sb, "… and %d more", len(logs)-limit)
			break
		}
		fmt.Fprintf(&sb, "<t:%d:R> <@%s> `%s`", entry.CreatedAt.Unix(), entry.UserID, entry.ActionType)
		if entry.TargetID != "" {
			fmt.Fprintf(&sb, " → %s", entry.TargetID)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "None."
	}
	var sb strings.Builder
	for actionType, count := range counts {
		fmt.Fprintf(&sb, "`%s`: %d\n", actionType, count)
	}
	return sb.String()
}

func formatActors(report analytics.Report) string {
	if len(report.TopActors) == 0 {
		return "None."
	}
	var sb strings.Builder
	for _, actor := range report.TopActors {
		fmt.Fprintf(&sb, "<@%s>: %d\n", actor.UserID, actor.Count)
	}
	return sb.String()
}

func formatAdminRoles(roles []string) string {
	if len(roles) == 0 {
		return "No registered admin roles."
	}
	mentions := make([]string, len(roles))
	for i, roleID := range roles {
		mentions[i] = "<@&" + roleID + ">"
	}
	return "Registered admin roles: " + strings.Join(mentions, " ")
}

func formatQuarantines(records []storage.QuarantineRecord) string {
	if len(records) == 0 {
		return "None."
	}
	var sb strings.Builder
	for _, rec := range records {
		fmt.Fprintf(&sb, "<@%s> since <t:%d:R>", rec.UserID, rec.QuarantinedAt.Unix())
		if rec.QuarantinedTill != nil {
			fmt.Fprintf(&sb, ", until <t:%d:R>", rec.QuarantinedTill.Unix())
		}
		fmt.Fprintf(&sb, " (%s)\n", rec.Reason)
	}
	return sb.String()
}
