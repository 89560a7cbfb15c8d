package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mitra/internal/config"
	"mitra/internal/discord"
	"mitra/internal/ipmon"
	"mitra/internal/logging"
	"mitra/internal/metrics"
	"mitra/internal/pending"
	"mitra/internal/poll"
	"mitra/internal/power"
	"mitra/internal/server"
	"mitra/internal/state"
	"mitra/internal/update"
	"mitra/internal/upslog"
	"mitra/internal/upsmon"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	var (
		statePath      = flag.String("state", "cache.json", "path to the persistent state file")
		configPath     = flag.String("config", "", "optional YAML file seeded into the state on startup")
		addr           = flag.String("addr", ":8080", "address for the status server")
		logLevel       = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		logFormat      = flag.String("log-format", "text", "log format (text or json)")
		nonInteractive = flag.Bool("non-interactive", false, "never prompt for a missing token")
		stagingDir     = flag.String("staging", "updates", "directory where release archives are staged")
	)
	flag.Parse()

	logger := logging.New(*logLevel, *logFormat)

	store, err := state.Open(*statePath, logger)
	if err != nil {
		logger.Error("opening state failed", "path", *statePath, "error", err)
		os.Exit(1)
	}

	if *configPath != "" {
		if err := config.Seed(store, *configPath); err != nil {
			logger.Error("seeding settings failed", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}

	settings, err := config.Load(store, config.LoadOptions{
		Interactive: !*nonInteractive,
		Input:       os.Stdin,
		Output:      os.Stderr,
	})
	if err != nil {
		logger.Error("loading settings failed", "error", err)
		os.Exit(1)
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	registry := pending.NewRegistry(logger)
	updates := update.NewChecker(nil, store, settings.Update, version, *stagingDir, logger)

	var upsLog *upslog.Log
	if settings.UPS.Enabled && settings.UPS.LogEnabled {
		logPath := settings.UPS.LogFile
		if !filepath.IsAbs(logPath) {
			logPath = filepath.Join(filepath.Dir(*statePath), logPath)
		}
		upsLog = upslog.Open(logPath, 24*time.Hour, logger)
	}

	var upsMon *upsmon.Monitor

	bot, err := discord.New(discord.Deps{
		Store:    store,
		Settings: settings,
		Updates:  updates,
		Registry: registry,
		PowerFn:  power.Execute,
		Logger:   logger,
		Version:  version,
	})
	if err != nil {
		logger.Error("creating discord session failed", "error", err)
		os.Exit(1)
	}

	ip := ipmon.New(
		ipmon.HTTPFetcher(&http.Client{Timeout: 15 * time.Second}, ipmon.DefaultLookupURL),
		store, bot.Notifier(), bot.Destination, logger, m,
	)
	bot.SetIPMonitor(ip)

	if settings.UPS.Enabled {
		source := upsmon.NewNUTClient(settings.UPS.NUTAddress, settings.UPS.NUTName, 5*time.Second)
		upsMon = upsmon.New(source, store, upsLog, settings.UPS,
			bot.Notifier(), bot.Destination, power.Execute, logger, m)
		bot.SetUPSMonitor(upsMon, upsLog)
	}

	openCtx, cancelOpen := context.WithTimeout(context.Background(), 30*time.Second)
	if err := bot.Open(openCtx); err != nil {
		cancelOpen()
		logger.Error("connecting to discord failed", "error", err)
		os.Exit(1)
	}
	if err := bot.VerifyChannel(openCtx); err != nil {
		cancelOpen()
		logger.Error("channel verification failed", "error", err)
		_ = bot.Close()
		os.Exit(1)
	}
	cancelOpen()
	defer func() {
		if err := bot.Close(); err != nil {
			logger.Warn("closing discord session failed", "error", err)
		}
	}()

	if settings.Update.StartupCheck {
		checkCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := updates.NotifyIfAvailable(checkCtx, bot.Notifier(), bot.Destination()); err != nil {
			logger.Warn("startup update check failed", "error", err)
		}
		cancel()
	}

	loops := []*poll.Loop{
		poll.New("ip", time.Duration(settings.IPPollSeconds)*time.Second, ip.Cycle, logger),
		poll.New("pending-sweep", 30*time.Second, func(context.Context) error {
			for _, a := range registry.SweepExpired() {
				logger.Info("pending action expired", "kind", a.Kind, "id", a.ID)
			}
			return nil
		}, logger),
	}
	if upsMon != nil {
		loops = append(loops, poll.New("ups",
			time.Duration(settings.UPS.PollSeconds)*time.Second, upsMon.Cycle, logger))
	}
	if settings.Update.Enabled {
		loops = append(loops, poll.New("update",
			time.Duration(settings.Update.CheckIntervalSeconds)*time.Second,
			func(ctx context.Context) error {
				return updates.NotifyIfAvailable(ctx, bot.Notifier(), bot.Destination())
			}, logger, poll.WithCycleTimeout(2*time.Minute)))
	}
	for _, l := range loops {
		l.Start()
	}
	defer func() {
		for _, l := range loops {
			l.Stop()
		}
	}()

	srv := server.New(*addr, version, ip, upsMon, upsLog, registry, promReg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", "error", err)
		}
	}()

	logger.Info("mitra running", "version", version, "addr", *addr,
		"ip_poll_seconds", settings.IPPollSeconds, "ups_enabled", settings.UPS.Enabled)
	if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutting down")
}
