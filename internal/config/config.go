// Package config builds the immutable settings struct handed to every
// component at startup. Settings live in the durable state snapshot; an
// optional yaml seed file and the MITRA_TOKEN / DISCORD_TOKEN environment
// variables override what the snapshot holds.
package config

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"mitra/internal/state"
)

// ErrTokenMissing is fatal outside interactive mode: there is no safe
// default for the bot token.
var ErrTokenMissing = errors.New("bot token is missing (state file, seed file, or MITRA_TOKEN)")

// UPSSettings configures the UPS monitor.
type UPSSettings struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	PollSeconds int    `json:"poll_seconds" yaml:"poll_seconds"`
	NUTAddress  string `json:"nut_address" yaml:"nut_address"`
	NUTName     string `json:"nut_name" yaml:"nut_name"`

	WarnTimeToEmptySeconds     int     `json:"warn_time_to_empty_seconds" yaml:"warn_time_to_empty_seconds"`
	CriticalTimeToEmptySeconds int     `json:"critical_time_to_empty_seconds" yaml:"critical_time_to_empty_seconds"`
	ChargeDropPercent          float64 `json:"charge_drop_percent" yaml:"charge_drop_percent"`

	AutoShutdownEnabled      bool   `json:"auto_shutdown_enabled" yaml:"auto_shutdown_enabled"`
	AutoShutdownAction       string `json:"auto_shutdown_action" yaml:"auto_shutdown_action"`
	AutoShutdownDelaySeconds int    `json:"auto_shutdown_delay_seconds" yaml:"auto_shutdown_delay_seconds"`
	AutoShutdownForce        bool   `json:"auto_shutdown_force" yaml:"auto_shutdown_force"`

	LogEnabled        bool   `json:"log_enabled" yaml:"log_enabled"`
	LogFile           string `json:"log_file" yaml:"log_file"`
	GraphDefaultHours int    `json:"graph_default_hours" yaml:"graph_default_hours"`
	Timezone          string `json:"timezone" yaml:"timezone"`
}

// UpdateSettings configures release checking and install.
type UpdateSettings struct {
	GitHubRepo           string `json:"github_repo" yaml:"github_repo"`
	Enabled              bool   `json:"enabled" yaml:"enabled"`
	StartupCheck         bool   `json:"startup_check" yaml:"startup_check"`
	IncludePrerelease    bool   `json:"include_prerelease" yaml:"include_prerelease"`
	CheckIntervalSeconds int    `json:"check_interval_seconds" yaml:"check_interval_seconds"`
}

// Settings is the full application configuration, constructed once at
// startup and passed explicitly into each component constructor.
type Settings struct {
	Token                string
	ChannelID            string
	IPPollSeconds        int
	AdminRoleName        string
	IPSubscriberRoleName string
	UPS                  UPSSettings
	Update               UpdateSettings
}

// DefaultUPS mirrors the defaults persisted into fresh snapshots.
func DefaultUPS() UPSSettings {
	return UPSSettings{
		Enabled:                    true,
		PollSeconds:                30,
		NUTAddress:                 "127.0.0.1:3493",
		NUTName:                    "ups",
		WarnTimeToEmptySeconds:     600,
		CriticalTimeToEmptySeconds: 180,
		ChargeDropPercent:          10,
		AutoShutdownEnabled:        false,
		AutoShutdownAction:         "shutdown",
		LogEnabled:                 true,
		LogFile:                    "ups_stats.jsonl",
		GraphDefaultHours:          6,
		Timezone:                   "UTC",
	}
}

// DefaultUpdate returns the update subsystem defaults. The repo has no
// default; update commands report it as unconfigured until set.
func DefaultUpdate() UpdateSettings {
	return UpdateSettings{
		Enabled:              true,
		StartupCheck:         true,
		CheckIntervalSeconds: 21600,
	}
}

// LoadOptions controls token resolution.
type LoadOptions struct {
	// Interactive allows a first-run prompt for the token, persisted back
	// into the store.
	Interactive bool

	// Input and Output back the interactive prompt; nil means stdin/stdout.
	Input  io.Reader
	Output io.Writer
}

// Seed merges a yaml key-value file into the store. Seed keys overwrite
// snapshot keys; they are operator-provided configuration.
func Seed(store *state.Store, path string) error {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read seed config: %w", err)
	}

	var seed map[string]any
	if err := yaml.Unmarshal(content, &seed); err != nil {
		return fmt.Errorf("parse seed config: %w", err)
	}

	return store.Update(func(data map[string]json.RawMessage) {
		for key, value := range seed {
			raw, err := json.Marshal(value)
			if err != nil {
				continue
			}
			data[key] = raw
		}
	})
}

// Load reads settings out of the store, applying defaults and tolerant
// coercion for hand-edited values. Defaults for the nested ups and update
// objects are written back so the snapshot is self-describing.
func Load(store *state.Store, opts LoadOptions) (Settings, error) {
	s := Settings{
		IPPollSeconds:        store.Int("ip_poll_seconds", 900),
		AdminRoleName:        store.String("admin_role_name", "Mitra Admin"),
		IPSubscriberRoleName: store.String("ip_subscriber_role_name", "Mitra IP Subscriber"),
		ChannelID:            channelID(store),
		UPS:                  upsSettings(store),
		Update:               updateSettings(store),
	}

	token := strings.TrimSpace(os.Getenv("MITRA_TOKEN"))
	if token == "" {
		token = strings.TrimSpace(os.Getenv("DISCORD_TOKEN"))
	}
	if token == "" {
		token = strings.TrimSpace(store.String("token", ""))
	}
	if token == "" && opts.Interactive {
		prompted, err := promptToken(opts)
		if err != nil {
			return Settings{}, err
		}
		token = prompted
		if err := store.Set("token", token); err != nil {
			return Settings{}, err
		}
	}
	if token == "" {
		return Settings{}, ErrTokenMissing
	}
	s.Token = token

	// persist resolved defaults so operators see every knob in the snapshot
	if err := store.Set("ups", s.UPS); err != nil {
		return Settings{}, err
	}
	if err := store.Set("update", s.Update); err != nil {
		return Settings{}, err
	}

	return s, nil
}

func promptToken(opts LoadOptions) (string, error) {
	in := opts.Input
	if in == nil {
		in = os.Stdin
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	fmt.Fprint(out, "Enter the Discord bot token: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return "", ErrTokenMissing
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return "", ErrTokenMissing
	}
	return token, nil
}

// channelID accepts both the channel_id and legacy channel keys, stored as
// either a JSON string or number.
func channelID(store *state.Store) string {
	for _, key := range []string{"channel_id", "channel"} {
		var str string
		if store.Get(key, &str) && strings.TrimSpace(str) != "" {
			return strings.TrimSpace(str)
		}
		var num int64
		if store.Get(key, &num) && num != 0 {
			return strconv.FormatInt(num, 10)
		}
	}
	return ""
}

func upsSettings(store *state.Store) UPSSettings {
	ups := DefaultUPS()

	var raw map[string]json.RawMessage
	if !store.Get("ups", &raw) {
		return ups
	}

	ups.Enabled = coerceBool(raw["enabled"], ups.Enabled)
	ups.PollSeconds = coerceInt(raw["poll_seconds"], ups.PollSeconds)
	ups.NUTAddress = coerceString(raw["nut_address"], ups.NUTAddress)
	ups.NUTName = coerceString(raw["nut_name"], ups.NUTName)
	ups.WarnTimeToEmptySeconds = coerceInt(raw["warn_time_to_empty_seconds"], ups.WarnTimeToEmptySeconds)
	ups.CriticalTimeToEmptySeconds = coerceInt(raw["critical_time_to_empty_seconds"], ups.CriticalTimeToEmptySeconds)
	ups.ChargeDropPercent = coerceFloat(raw["charge_drop_percent"], ups.ChargeDropPercent)
	ups.AutoShutdownEnabled = coerceBool(raw["auto_shutdown_enabled"], ups.AutoShutdownEnabled)
	ups.AutoShutdownAction = coerceString(raw["auto_shutdown_action"], ups.AutoShutdownAction)
	ups.AutoShutdownDelaySeconds = coerceInt(raw["auto_shutdown_delay_seconds"], ups.AutoShutdownDelaySeconds)
	ups.AutoShutdownForce = coerceBool(raw["auto_shutdown_force"], ups.AutoShutdownForce)
	ups.LogEnabled = coerceBool(raw["log_enabled"], ups.LogEnabled)
	ups.LogFile = coerceString(raw["log_file"], ups.LogFile)
	ups.GraphDefaultHours = coerceInt(raw["graph_default_hours"], ups.GraphDefaultHours)
	ups.Timezone = coerceString(raw["timezone"], ups.Timezone)

	if ups.PollSeconds < 5 {
		ups.PollSeconds = 5
	}
	return ups
}

func updateSettings(store *state.Store) UpdateSettings {
	upd := DefaultUpdate()

	var raw map[string]json.RawMessage
	if !store.Get("update", &raw) {
		return upd
	}

	upd.GitHubRepo = coerceString(raw["github_repo"], upd.GitHubRepo)
	upd.Enabled = coerceBool(raw["enabled"], upd.Enabled)
	upd.StartupCheck = coerceBool(raw["startup_check"], upd.StartupCheck)
	upd.IncludePrerelease = coerceBool(raw["include_prerelease"], upd.IncludePrerelease)
	upd.CheckIntervalSeconds = coerceInt(raw["check_interval_seconds"], upd.CheckIntervalSeconds)

	if upd.CheckIntervalSeconds < 60 {
		upd.CheckIntervalSeconds = 60
	}
	return upd
}

func coerceString(raw json.RawMessage, def string) string {
	if raw == nil {
		return def
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}
	return def
}

func coerceInt(raw json.RawMessage, def int) int {
	if raw == nil {
		return def
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n
		}
	}
	return def
}

func coerceFloat(raw json.RawMessage, def float64) float64 {
	if raw == nil {
		return def
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	}
	return def
}

func coerceBool(raw json.RawMessage, def bool) bool {
	if raw == nil {
		return def
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}
