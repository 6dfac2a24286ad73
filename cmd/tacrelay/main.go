// tacrelay is an optional rendezvous point for nodes that cannot see
// each other directly: it merges every operation into its own replica,
// fans frames out to all connected nodes, answers digest requests and
// keeps a durable operation log across restarts.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tacmap/tacsync/internal/clock"
	"github.com/tacmap/tacsync/internal/config"
	"github.com/tacmap/tacsync/internal/logging"
	"github.com/tacmap/tacsync/internal/model"
	"github.com/tacmap/tacsync/internal/oplog"
	"github.com/tacmap/tacsync/internal/session"
	"github.com/tacmap/tacsync/internal/store"
)

var version = "dev"

func main() {
	configDir := flag.String("config", ".", "directory containing tacsync.cfg.json")
	logsDir := flag.String("logs", "./logs", "directory for relay log files")
	listenAddr := flag.String("listen", "", "listen address, overrides transport.listenAddr")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("tacrelay", version)
		return
	}

	if err := run(*configDir, *logsDir, *listenAddr); err != nil {
		fmt.Fprintln(os.Stderr, "tacrelay:", err)
		os.Exit(1)
	}
}

func run(configDir, logsDir, listenAddr string) error {
	sessionStart := time.Now()

	if err := config.Load(configDir); err != nil {
		return err
	}
	if listenAddr == "" {
		listenAddr = config.GetTransportConfig().ListenAddr
	}

	identity, err := session.LoadOrCreateIdentity(config.GetString("identityFile"), "relay")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("creating logs directory: %w", err)
	}
	logFile, err := os.OpenFile(
		logging.LogFilePath(logsDir, "tacrelay", sessionStart),
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
			fmt.Fprintln(os.Stderr, "tacrelay: graylog unreachable, shipping disabled:", err)
		} else {
			gelfw = w
		}
	}

	logManager := logging.NewManager()
	logManager.Setup(logFile, gelfw, config.GetString("logLevel"),
		logging.Identity(identity.ParticipantID, "relay"))
	logger := logManager.Logger()
	logger.Info("tacrelay starting", "version", version, "addr", listenAddr)

	site := clock.ParticipantID(identity.ParticipantID)
	st := store.New(clock.New(site), logger)

	var log *oplog.Log
	if cfg := config.GetOplogConfig(); cfg.Enabled {
		log, err = oplog.Open(cfg, zerolog.New(logFile).With().Timestamp().Logger())
		if err != nil {
			return fmt.Errorf("opening operation log: %w", err)
		}
		defer log.Close()

		replayed := 0
		err = log.ReplayAll(func(op model.Operation) error {
			if _, err := st.ApplyRemote(op); err != nil {
				logger.Warn("skipping unreplayable logged operation", "op", op.Key(), "error", err)
			} else {
				replayed++
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("replaying operation log: %w", err)
		}
		logger.Info("operation log replayed", "operations", replayed)
	}

	h, err := newHub(site, st, log, logger)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", h.handleSync)
	mux.HandleFunc("/snapshot.geojson", h.handleSnapshot)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok nodes=%d\n", h.nodeCount())
	})

	server := &http.Server{Addr: listenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		logger.Info("shutting down", "signal", s.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
	h.closeAll()
	return nil
}
