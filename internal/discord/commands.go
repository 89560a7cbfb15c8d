package discord

import "github.com/bwmarrin/discordgo"

// commandDefinitions is the slash-command set registered on ready.
func commandDefinitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "about",
			Description: "Show version and uptime",
		},
		{
			Name:        "ip",
			Description: "Public IP monitoring",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "status",
					Description: "Show the current public IP",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "subscribe",
					Description: "Get a DM when the public IP changes",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "unsubscribe",
					Description: "Stop IP change DMs",
				},
			},
		},
		{
			Name:        "ups",
			Description: "UPS monitoring",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "status",
					Description: "Read the UPS now",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "graph",
					Description: "Battery charge history graph",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "hours",
							Description: "History window in hours",
						},
					},
				},
			},
		},
		{
			Name:        "power",
			Description: "Host power control (admin only)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "restart",
					Description: "Restart the host (requires confirmation)",
					Options:     powerArgs(),
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "shutdown",
					Description: "Shut the host down (requires confirmation)",
					Options:     powerArgs(),
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "cancel",
					Description: "Cancel a pending or scheduled power action",
				},
			},
		},
		{
			Name:        "update",
			Description: "Agent updates (admin only for changes)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "check",
					Description: "Check GitHub for a newer release",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "install",
					Description: "Stage the pending release (requires confirmation)",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "changelog",
					Description: "Show the pending release notes",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "status",
					Description: "Show update settings and pending release",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "auto",
					Description: "Toggle the periodic update check",
					Options:     onOffArg(),
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "startup",
					Description: "Toggle the startup update check",
					Options:     onOffArg(),
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "interval",
					Description: "Set the auto-check interval",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "seconds",
							Description: "Seconds between checks (minimum 60)",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "repo",
					Description: "Set the GitHub repository to track",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "repository",
							Description: "owner/name",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "beta",
					Description: "Toggle prerelease tracking",
					Options:     onOffArg(),
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "dismiss",
					Description: "Dismiss the pending release notice",
				},
			},
		},
	}
}

func powerArgs() []*discordgo.ApplicationCommandOption {
	return []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        "delay",
			Description: "Delay in seconds before the action runs",
		},
		{
			Type:        discordgo.ApplicationCommandOptionBoolean,
			Name:        "force",
			Description: "Force-close applications (Windows)",
		},
	}
}

func onOffArg() []*discordgo.ApplicationCommandOption {
	return []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionBoolean,
			Name:        "enabled",
			Description: "true to enable, false to disable",
			Required:    true,
		},
	}
}
