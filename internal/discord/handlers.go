package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"mitra/internal/models"
	"mitra/internal/pending"
	"mitra/internal/power"
	"mitra/internal/upslog"
	"mitra/internal/upsmon"
)

// reply is what a handler wants sent back. Empty content means no response.
type reply struct {
	content    string
	ephemeral  bool
	components []discordgo.MessageComponent
}

func ephemeral(format string, args ...any) reply {
	return reply{content: fmt.Sprintf(format, args...), ephemeral: true}
}

func public(format string, args ...any) reply {
	return reply{content: fmt.Sprintf(format, args...)}
}

// powerRequest is the registry payload for a proposed power action.
type powerRequest struct {
	Action       string
	DelaySeconds int
	Force        bool
}

func (b *Bot) dispatchCommand(ctx context.Context, i *discordgo.InteractionCreate) reply {
	data := i.ApplicationCommandData()

	switch data.Name {
	case "about":
		return b.handleAbout()
	case "ip":
		return b.handleIP(ctx, i, data.Options)
	case "ups":
		return b.handleUPS(ctx, data.Options)
	case "power":
		return b.handlePower(i, data.Options)
	case "update":
		return b.handleUpdate(ctx, i, data.Options)
	default:
		return reply{}
	}
}

func (b *Bot) handleAbout() reply {
	uptime := time.Since(b.startedAt).Round(time.Second)
	lines := []string{
		fmt.Sprintf("Mitra %s", b.version),
		fmt.Sprintf("Uptime: %s", uptime),
	}
	if repo := b.updates.Settings().GitHubRepo; repo != "" {
		lines = append(lines, fmt.Sprintf("Source: https://github.com/%s", repo))
	}
	return public("%s", strings.Join(lines, "\n"))
}

func (b *Bot) handleIP(ctx context.Context, i *discordgo.InteractionCreate, opts []*discordgo.ApplicationCommandInteractionDataOption) reply {
	if len(opts) == 0 {
		return ephemeral("Missing subcommand.")
	}
	user := interactionUser(i)

	switch opts[0].Name {
	case "status":
		ip, err := b.ip.Current(ctx)
		if err != nil {
			status := b.ip.Status()
			if status.IP == "" {
				return ephemeral("IP lookup failed: %v", err)
			}
			return public("Public IP: `%s` (cached, lookup failed: %v)", status.IP, err)
		}
		return public("Public IP: `%s`", ip)

	case "subscribe":
		added, err := b.addSubscriber(user.ID)
		if err != nil {
			b.logger.Error("persisting subscriber failed", "error", err)
		}
		if !added {
			return ephemeral("You are already subscribed to IP change alerts.")
		}
		if role := b.settings.IPSubscriberRoleName; role != "" && i.GuildID != "" {
			if err := b.roleMgr.GrantRole(i.GuildID, user.ID, role); err != nil {
				b.logger.Warn("granting subscriber role failed", "user_id", user.ID, "role", role, "error", err)
			}
		}
		return ephemeral("Subscribed. You will get a DM when the public IP changes.")

	case "unsubscribe":
		removed, err := b.removeSubscriber(user.ID)
		if err != nil {
			b.logger.Error("persisting subscriber removal failed", "error", err)
		}
		if !removed {
			return ephemeral("You were not subscribed.")
		}
		if role := b.settings.IPSubscriberRoleName; role != "" && i.GuildID != "" {
			if err := b.roleMgr.RevokeRole(i.GuildID, user.ID, role); err != nil {
				b.logger.Warn("revoking subscriber role failed", "user_id", user.ID, "role", role, "error", err)
			}
		}
		return ephemeral("Unsubscribed from IP change alerts.")
	}
	return reply{}
}

func (b *Bot) handleUPS(ctx context.Context, opts []*discordgo.ApplicationCommandInteractionDataOption) reply {
	if b.ups == nil {
		return ephemeral("UPS monitoring is disabled.")
	}
	if len(opts) == 0 {
		return ephemeral("Missing subcommand.")
	}

	switch opts[0].Name {
	case "status":
		snap, err := b.ups.Snapshot(ctx)
		if err != nil {
			if last, ok := b.ups.Last(); ok {
				return public("UPS read failed (%v). Last known state:\n%s", err, upsmon.Describe(last))
			}
			return ephemeral("UPS read failed: %v", err)
		}
		return public("%s", upsmon.Describe(*snap))

	case "graph":
		if b.upsLog == nil {
			return ephemeral("UPS history logging is disabled.")
		}
		window := time.Duration(b.settings.UPS.GraphDefaultHours) * time.Hour
		for _, opt := range opts[0].Options {
			if opt.Name == "hours" && opt.IntValue() > 0 {
				window = time.Duration(opt.IntValue()) * time.Hour
			}
		}

		samples := b.upsLog.Recent(window)
		if len(samples) == 0 {
			return ephemeral("No UPS readings in the last %s.", window)
		}
		summary := b.upsLog.Summarize(window)
		graph := upslog.Sparkline(samples, 40)
		return public("Battery charge, last %s (%d samples, %.0f%% on battery):\n```\n%s\n```",
			window, summary.Samples, summary.OnBatteryPercent, graph)
	}
	return reply{}
}

func (b *Bot) handlePower(i *discordgo.InteractionCreate, opts []*discordgo.ApplicationCommandInteractionDataOption) reply {
	if !b.isAdmin(i) {
		return ephemeral("You need the %s role for power commands.", b.settings.AdminRoleName)
	}
	if len(opts) == 0 {
		return ephemeral("Missing subcommand.")
	}
	user := interactionUser(i)

	switch sub := opts[0].Name; sub {
	case "restart", "shutdown":
		req := powerRequest{Action: sub}
		for _, opt := range opts[0].Options {
			switch opt.Name {
			case "delay":
				req.DelaySeconds = int(opt.IntValue())
			case "force":
				req.Force = opt.BoolValue()
			}
		}

		kind := pending.KindShutdown
		if sub == "restart" {
			kind = pending.KindRestart
		}
		if _, err := b.registry.Propose(kind, user.ID, req, confirmTTL); err != nil {
			return registryReply(err)
		}

		return reply{
			content: fmt.Sprintf("Host %s requested by <@%s>. Confirm within %s.",
				sub, user.ID, confirmTTL),
			components: confirmButtons("power", string(kind)),
		}

	case "cancel":
		for _, kind := range []pending.Kind{pending.KindRestart, pending.KindShutdown} {
			if action, err := b.registry.Cancel(kind, user.ID); err == nil {
				return public("Pending %s cancelled by <@%s>.", action.Kind, user.ID)
			}
		}
		// nothing pending: abort an already-scheduled OS shutdown
		msg, err := b.powerFn(power.ActionCancel, 0, false)
		if err != nil {
			return ephemeral("Nothing pending, and cancelling a scheduled action failed: %v", err)
		}
		return public("%s", msg)
	}
	return reply{}
}

func (b *Bot) handleUpdate(ctx context.Context, i *discordgo.InteractionCreate, opts []*discordgo.ApplicationCommandInteractionDataOption) reply {
	if len(opts) == 0 {
		return ephemeral("Missing subcommand.")
	}
	user := interactionUser(i)
	sub := opts[0].Name

	switch sub {
	case "check":
		info, err := b.updates.Check(ctx, true)
		if err != nil {
			return ephemeral("Update check failed: %v", err)
		}
		if !b.updates.Available(info) {
			return public("Running %s, which is the latest release.", b.updates.Version())
		}
		return public("Update available: **%s** (running %s).\n%s", info.Version, b.updates.Version(), info.HTMLURL)

	case "changelog":
		info, ok := b.updates.Pending()
		if !ok || !b.updates.Available(info) {
			return ephemeral("No pending release. Run `/update check` first.")
		}
		notes := info.Notes
		if notes == "" {
			notes = "(no release notes)"
		}
		return public("**%s**\n%s", info.Version, notes)

	case "status":
		s := b.updates.Settings()
		lines := []string{
			fmt.Sprintf("Running: %s", b.updates.Version()),
			fmt.Sprintf("Repository: %s", orUnset(s.GitHubRepo)),
			fmt.Sprintf("Auto check: %s (every %s)", onOff(s.Enabled), time.Duration(s.CheckIntervalSeconds)*time.Second),
			fmt.Sprintf("Startup check: %s", onOff(s.StartupCheck)),
			fmt.Sprintf("Prereleases: %s", onOff(s.IncludePrerelease)),
		}
		if info, ok := b.updates.Pending(); ok && b.updates.Available(info) {
			lines = append(lines, fmt.Sprintf("Pending release: %s", info.Version))
		}
		return public("%s", strings.Join(lines, "\n"))
	}

	// everything below changes state
	if !b.isAdmin(i) {
		return ephemeral("You need the %s role to change update settings.", b.settings.AdminRoleName)
	}

	switch sub {
	case "install":
		info, ok := b.updates.Pending()
		if !ok || !b.updates.Available(info) {
			return ephemeral("No pending release to install. Run `/update check` first.")
		}
		if _, err := b.registry.Propose(pending.KindUpdateInstall, user.ID, info, confirmTTL); err != nil {
			return registryReply(err)
		}
		return reply{
			content: fmt.Sprintf("Install %s requested by <@%s>. Confirm within %s.",
				info.Version, user.ID, confirmTTL),
			components: confirmButtons("update", string(pending.KindUpdateInstall)),
		}

	case "auto":
		on := boolArg(opts[0].Options)
		if err := b.updates.SetEnabled(on); err != nil {
			return ephemeral("Saving failed: %v", err)
		}
		return public("Automatic update checks %s.", onOff(on))

	case "startup":
		on := boolArg(opts[0].Options)
		if err := b.updates.SetStartupCheck(on); err != nil {
			return ephemeral("Saving failed: %v", err)
		}
		return public("Startup update check %s.", onOff(on))

	case "beta":
		on := boolArg(opts[0].Options)
		if err := b.updates.SetBeta(on); err != nil {
			return ephemeral("Saving failed: %v", err)
		}
		return public("Prerelease tracking %s.", onOff(on))

	case "interval":
		var seconds int
		for _, opt := range opts[0].Options {
			if opt.Name == "seconds" {
				seconds = int(opt.IntValue())
			}
		}
		if err := b.updates.SetInterval(seconds); err != nil {
			return ephemeral("%v", err)
		}
		return public("Update check interval set to %s.", time.Duration(seconds)*time.Second)

	case "repo":
		var repo string
		for _, opt := range opts[0].Options {
			if opt.Name == "repository" {
				repo = opt.StringValue()
			}
		}
		if err := b.updates.SetRepo(repo); err != nil {
			return ephemeral("%v", err)
		}
		return public("Now tracking https://github.com/%s for releases.", repo)

	case "dismiss":
		if err := b.updates.Dismiss(); err != nil {
			return ephemeral("Saving failed: %v", err)
		}
		return public("Pending release notice dismissed.")
	}
	return reply{}
}

func (b *Bot) dispatchComponent(ctx context.Context, i *discordgo.InteractionCreate) reply {
	parts := strings.Split(i.MessageComponentData().CustomID, ":")
	if len(parts) != 3 {
		return reply{}
	}
	ns, verb, kind := parts[0], parts[1], pending.Kind(parts[2])
	user := interactionUser(i)

	if !b.isAdmin(i) {
		return ephemeral("You need the %s role to resolve this action.", b.settings.AdminRoleName)
	}

	if verb == "cancel" {
		action, err := b.registry.Cancel(kind, user.ID)
		if err != nil {
			return registryReply(err)
		}
		return public("Pending %s cancelled by <@%s>.", action.Kind, user.ID)
	}
	if verb != "confirm" {
		return reply{}
	}

	action, err := b.registry.Confirm(kind, user.ID)
	if err != nil {
		return registryReply(err)
	}

	switch ns {
	case "power":
		req, ok := action.Payload.(powerRequest)
		if !ok {
			return ephemeral("Pending %s carried no runnable payload.", action.Kind)
		}
		msg, err := b.powerFn(req.Action, req.DelaySeconds, req.Force)
		if err != nil {
			return public("Confirmed by <@%s>, but the %s command failed: %v", user.ID, req.Action, err)
		}
		return public("Confirmed by <@%s>. %s", user.ID, msg)

	case "update":
		// install the release the operator confirmed, not whatever a later
		// check may have put in the pending slot
		info, ok := action.Payload.(*models.ReleaseInfo)
		if !ok {
			return ephemeral("Pending %s carried no runnable payload.", action.Kind)
		}
		dir, err := b.updates.Install(ctx, info)
		if err != nil {
			return public("Confirmed by <@%s>, but installing %s failed: %v", user.ID, info.Version, err)
		}
		return public("Confirmed by <@%s>. Release %s staged at `%s`. Restart the agent to activate it.",
			user.ID, info.Version, dir)
	}
	return reply{}
}

func (b *Bot) isAdmin(i *discordgo.InteractionCreate) bool {
	return b.roles.HasRole(i.GuildID, i.Member, b.settings.AdminRoleName)
}

// registryReply maps the registry's sentinel errors onto operator-facing
// ephemeral messages. Rejections are normal outcomes, not faults.
func registryReply(err error) reply {
	switch {
	case errors.Is(err, pending.ErrAlreadyPending):
		return ephemeral("An action of this kind is already pending. Cancel it or let it expire first.")
	case errors.Is(err, pending.ErrExpired):
		return ephemeral("That request expired. Propose it again.")
	case errors.Is(err, pending.ErrNoSuchPending):
		return ephemeral("Nothing is pending.")
	default:
		return ephemeral("Request failed: %v", err)
	}
}

func confirmButtons(ns, kind string) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Confirm",
					Style:    discordgo.DangerButton,
					CustomID: ns + ":confirm:" + kind,
				},
				discordgo.Button{
					Label:    "Cancel",
					Style:    discordgo.SecondaryButton,
					CustomID: ns + ":cancel:" + kind,
				},
			},
		},
	}
}

func boolArg(opts []*discordgo.ApplicationCommandInteractionDataOption) bool {
	for _, opt := range opts {
		if opt.Name == "enabled" {
			return opt.BoolValue()
		}
	}
	return false
}

func onOff(v bool) string {
	if v {
		return "enabled"
	}
	return "disabled"
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
