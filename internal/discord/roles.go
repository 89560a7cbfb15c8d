package discord

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// RoleChecker answers whether a guild member holds a named role. It exists
// so handler tests can stub authorization without a live session.
type RoleChecker interface {
	HasRole(guildID string, member *discordgo.Member, roleName string) bool
}

// RoleManager grants and revokes a named guild role. The subscribe commands
// use it to keep the configured subscriber role in step with the persisted
// subscriber set.
type RoleManager interface {
	GrantRole(guildID, userID, roleName string) error
	RevokeRole(guildID, userID, roleName string) error
}

type sessionRoles struct {
	session *discordgo.Session
}

func (r sessionRoles) HasRole(guildID string, member *discordgo.Member, roleName string) bool {
	if member == nil || roleName == "" {
		return false
	}

	miss := false
	for _, roleID := range member.Roles {
		role, err := r.session.State.Role(guildID, roleID)
		if err != nil {
			miss = true
			continue
		}
		if strings.EqualFold(role.Name, roleName) {
			return true
		}
	}
	if !miss {
		return false
	}

	// state cache miss: fall back to the API once
	roles, err := r.session.GuildRoles(guildID)
	if err != nil {
		return false
	}
	byID := make(map[string]*discordgo.Role, len(roles))
	for _, role := range roles {
		byID[role.ID] = role
	}
	for _, roleID := range member.Roles {
		if role, ok := byID[roleID]; ok && strings.EqualFold(role.Name, roleName) {
			return true
		}
	}
	return false
}

func (r sessionRoles) GrantRole(guildID, userID, roleName string) error {
	role, err := r.findRole(guildID, roleName)
	if err != nil {
		return err
	}
	return r.session.GuildMemberRoleAdd(guildID, userID, role.ID)
}

func (r sessionRoles) RevokeRole(guildID, userID, roleName string) error {
	role, err := r.findRole(guildID, roleName)
	if err != nil {
		return err
	}
	return r.session.GuildMemberRoleRemove(guildID, userID, role.ID)
}

func (r sessionRoles) findRole(guildID, roleName string) (*discordgo.Role, error) {
	roles, err := r.session.GuildRoles(guildID)
	if err != nil {
		return nil, err
	}
	for _, role := range roles {
		if strings.EqualFold(role.Name, roleName) {
			return role, nil
		}
	}
	return nil, fmt.Errorf("role %q not found in guild %s", roleName, guildID)
}
