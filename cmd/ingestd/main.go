// Command ingestd runs the market-data ingestion engine's control
// plane: a long-running HTTP server (the serve subcommand) fronting
// Start/Stop/Restart/Status/DBStats/Validate. Those operations are
// reached over HTTP only; there are no CLI subcommands for them. The cobra command
// tree and zerolog console-writer setup are grounded on the teacher's
// own root command in its original main.go.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/mdingest/internal/config"
	"github.com/sawpanic/mdingest/internal/control"
	ihttp "github.com/sawpanic/mdingest/internal/http"
	"github.com/sawpanic/mdingest/internal/infrastructure/db"
	"github.com/sawpanic/mdingest/internal/telemetry"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("ingestd: fatal error")
	}
}

func rootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "ingestd",
		Short: "Continuous market-data ingestion engine",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(verbose)
		},
	}
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug-level logging")

	root.AddCommand(serveCmd())
	return root
}

func setupLogging(verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if isTerminal(os.Stdout) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// serveCmd starts the control plane HTTP server and, unless
// --no-autostart is given, immediately Starts ingestion with the
// environment-derived configuration, matching monitor_main.go's
// pattern of wiring everything up front and serving until signaled.
func serveCmd() *cobra.Command {
	var noAutostart bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), noAutostart)
		},
	}
	cmd.Flags().BoolVar(&noAutostart, "no-autostart", false, "do not Start ingestion automatically; wait for POST /start")
	return cmd
}

func runServe(ctx context.Context, noAutostart bool) error {
	cfg := config.FromEnv()

	dbCfg := db.DefaultConfig()
	dbCfg.DSN = cfg.DatabaseURL
	dbManager, err := db.NewManager(dbCfg)
	if err != nil {
		return fmt.Errorf("ingestd: open database: %w", err)
	}
	defer dbManager.Close()

	bus := telemetry.New()
	metrics := telemetry.NewRegistry(bus, nil)

	engine := control.New(dbManager, bus, metrics)
	server := ihttp.NewServer(engine, metrics, bus, cfg)

	if !noAutostart {
		if err := cfg.Validate(); err != nil {
			log.Warn().Err(err).Msg("ingestd: SYMBOLS/DATABASE_URL not fully configured, waiting for POST /start")
		} else if outcome, err := engine.Start(ctx, cfg); err != nil {
			log.Error().Err(err).Str("outcome", string(outcome)).Msg("ingestd: autostart failed")
		}
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MonitoringPort),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.MonitoringPort).Msg("ingestd: control plane listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("ingestd: shutting down")
	case err := <-errCh:
		return fmt.Errorf("ingestd: server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := engine.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("ingestd: stop encountered errors during shutdown")
	}
	return httpSrv.Shutdown(shutdownCtx)
}
