// tacsyncd runs one synchronization node: it keeps the local replica,
// replicates operations to every reachable peer and serves the shared
// tactical map state to a frontend.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tacmap/tacsync/internal/config"
	"github.com/tacmap/tacsync/internal/logging"
	"github.com/tacmap/tacsync/internal/session"
	"github.com/tacmap/tacsync/internal/telemetry"
)

var version = "dev"

func main() {
	configDir := flag.String("config", ".", "directory containing tacsync.cfg.json")
	logsDir := flag.String("logs", "./logs", "directory for session log files")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("tacsyncd", version)
		return
	}

	if err := run(*configDir, *logsDir); err != nil {
		fmt.Fprintln(os.Stderr, "tacsyncd:", err)
		os.Exit(1)
	}
}

func run(configDir, logsDir string) error {
	sessionStart := time.Now()

	if err := config.Load(configDir); err != nil {
		return err
	}

	identity, err := session.LoadOrCreateIdentity(
		config.GetString("identityFile"),
		config.GetString("callsign"),
	)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("creating logs directory: %w", err)
	}
	logFile, err := os.OpenFile(
		logging.LogFilePath(logsDir, "tacsyncd", sessionStart),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644,
	)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	var gelfw io.Writer
	if gl := config.GetGraylogConfig(); gl.Enabled {
		w, err := logging.NewGelfWriter(gl.Address)
		if err != nil {
			fmt.Fprintln(os.Stderr, "tacsyncd: graylog unreachable, shipping disabled:", err)
		} else {
			gelfw = w
		}
	}

	logManager := logging.NewManager()
	logManager.Setup(logFile, gelfw, config.GetString("logLevel"),
		logging.Identity(identity.ParticipantID, identity.Callsign))
	logger := logManager.Logger()
	logger.Info("tacsyncd starting", "version", version)

	var metrics *telemetry.Manager
	if config.GetInfluxConfig().Enabled {
		metrics = telemetry.NewManager(
			zerolog.New(logFile).With().Timestamp().Logger(),
			logging.LogFilePath(logsDir, "tacsyncd-metrics", sessionStart)+".gz",
			identity.ParticipantID,
		)
		if err := metrics.Connect(); err != nil {
			logger.Warn("metrics backend unreachable, buffering to backup file", "error", err)
		}
		defer metrics.Close()
	}

	sess, err := session.New(session.Options{
		Identity:    identity,
		Transport:   config.GetTransportConfig(),
		Presence:    config.GetPresenceConfig(),
		Predict:     config.GetPredictConfig(),
		Oplog:       config.GetOplogConfig(),
		Logger:      logger,
		OplogLogger: zerolog.New(logFile).With().Timestamp().Logger(),
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", "signal", s.String())

	sess.Stop()
	return nil
}
