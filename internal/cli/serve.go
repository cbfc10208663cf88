package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/lazypower/restock/internal/engine"
	"github.com/lazypower/restock/internal/server"
	"github.com/spf13/cobra"
)

var (
	serveSchedule string
	serveRunNow   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveSchedule, "schedule", "", "cron spec for engine runs (overrides schedule.cron and enables it)")
	serveCmd.Flags().BoolVar(&serveRunNow, "run-now", false, "run the engine once at startup")
}

func runServe(cmd *cobra.Command, args []string) error {
	db, dbPath, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	eng := engine.New(db, engine.ParamsFromConfig(cfg.Engine))
	eng.RunTimeout = cfg.Engine.RunTimeout

	spec := cfg.Schedule.Cron
	enabled := cfg.Schedule.Enabled
	if serveSchedule != "" {
		spec, enabled = serveSchedule, true
	}
	if enabled {
		if err := eng.StartSchedule(spec, cfg.Schedule.RunOnStart || serveRunNow); err != nil {
			return err
		}
		defer eng.Stop()
	} else if serveRunNow {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), eng.RunTimeout)
			defer cancel()
			if _, err := eng.Run(ctx); err != nil {
				slog.Error("startup run failed", "error", err)
			}
		}()
	}

	if cfg.Auth.RunSecret == "" && cfg.Auth.RunSecretHash == "" {
		slog.Warn("no run secret configured, POST /api/run is disabled")
	}

	srv := server.New(db, eng, cfg.Auth, VersionString())
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("restock serving", "addr", addr, "db", dbPath, "schedule", enabled)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-cmd.Context().Done():
	case err := <-errCh:
		return err
	}
	slog.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(ctx)
}
