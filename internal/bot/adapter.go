package bot

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// sessionAdapter exposes the narrow Discord surfaces the security
// modules consume, backed by the shared gateway session. Reads prefer
// the state cache and fall back to the REST API.
type sessionAdapter struct {
	session *discordgo.Session
}

func (a *sessionAdapter) Guild(guildID string) (*discordgo.Guild, error) {
	guild, err := a.session.State.Guild(guildID)
	if err == nil && guild != nil && len(guild.Roles) > 0 {
		return guild, nil
	}
	return a.session.Guild(guildID)
}

func (a *sessionAdapter) Member(guildID, userID string) (*discordgo.Member, error) {
	member, err := a.session.State.Member(guildID, userID)
	if err == nil && member != nil {
		return member, nil
	}
	return a.session.GuildMember(guildID, userID)
}

func (a *sessionAdapter) Channel(channelID string) (*discordgo.Channel, error) {
	channel, err := a.session.State.Channel(channelID)
	if err == nil && channel != nil {
		return channel, nil
	}
	return a.session.Channel(channelID)
}

func (a *sessionAdapter) RoleAdd(guildID, userID, roleID string) error {
	return a.session.GuildMemberRoleAdd(guildID, userID, roleID)
}

func (a *sessionAdapter) RoleRemove(guildID, userID, roleID string) error {
	return a.session.GuildMemberRoleRemove(guildID, userID, roleID)
}

func (a *sessionAdapter) BotUserID() string {
	if a.session.State.User == nil {
		return ""
	}
	return a.session.State.User.ID
}

func (a *sessionAdapter) ChannelPermissionSet(channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64) error {
	return a.session.ChannelPermissionSet(channelID, targetID, targetType, allow, deny)
}

func (a *sessionAdapter) ChannelPermissionDelete(channelID, targetID string) error {
	return a.session.ChannelPermissionDelete(channelID, targetID)
}

func (a *sessionAdapter) ChannelMessageSend(channelID, content string) error {
	_, err := a.session.ChannelMessageSend(channelID, content)
	return err
}

func (a *sessionAdapter) DirectMessage(userID, content string) error {
	channel, err := a.session.UserChannelCreate(userID)
	if err != nil {
		return err
	}
	_, err = a.session.ChannelMessageSend(channel.ID, content)
	return err
}

// OwnerPrompt DMs the guild owner a quarantine notice, including the
// removed-roles manifest, with release and keep buttons.
func (a *sessionAdapter) OwnerPrompt(ownerID, guildID, userID, reason string, removedRoles []string) error {
	channel, err := a.session.UserChannelCreate(ownerID)
	if err != nil {
		return err
	}
	roleList := "none"
	if len(removedRoles) > 0 {
		mentions := make([]string, len(removedRoles))
		for i, roleID := range removedRoles {
			mentions[i] = "<@&" + roleID + ">"
		}
		roleList = strings.Join(mentions, " ")
	}
	_, err = a.session.ChannelMessageSendComplex(channel.ID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       "Member quarantined",
			Description: fmt.Sprintf("<@%s> had their admin roles revoked.\n**Reason:** %s", userID, reason),
			Color:       0xEF4444,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Removed roles", Value: roleList},
			},
		}},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Release",
					Style:    discordgo.SuccessButton,
					CustomID: fmt.Sprintf("quarantine_release:%s:%s", guildID, userID),
				},
				discordgo.Button{
					Label:    "Keep quarantined",
					Style:    discordgo.DangerButton,
					CustomID: fmt.Sprintf("quarantine_keep:%s:%s", guildID, userID),
				},
			}},
		},
	})
	return err
}

// ApprovalPrompt DMs the guild owner an admin-role grant awaiting a
// verdict.
func (a *sessionAdapter) ApprovalPrompt(ownerID string, assignmentID int64, guildID, userID, roleID, assignedBy string) error {
	channel, err := a.session.UserChannelCreate(ownerID)
	if err != nil {
		return err
	}
	roleName := roleID
	if roles, err := a.session.GuildRoles(guildID); err == nil {
		for _, role := range roles {
			if role.ID == roleID {
				roleName = role.Name
				break
			}
		}
	}
	_, err = a.session.ChannelMessageSendComplex(channel.ID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       "Admin role grant pending",
			Description: fmt.Sprintf("<@%s> granted **%s** to <@%s>. The role is on hold until you decide.", assignedBy, roleName, userID),
			Color:       0xF59E0B,
		}},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Approve",
					Style:    discordgo.SuccessButton,
					CustomID: fmt.Sprintf("assignment_approve:%s:%d", guildID, assignmentID),
				},
				discordgo.Button{
					Label:    "Decline",
					Style:    discordgo.DangerButton,
					CustomID: fmt.Sprintf("assignment_decline:%s:%d", guildID, assignmentID),
				},
			}},
		},
	})
	return err
}
