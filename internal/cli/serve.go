package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/raaihank/piiswap/internal/config"
	"github.com/raaihank/piiswap/internal/extract"
	"github.com/raaihank/piiswap/internal/planner"
	"github.com/raaihank/piiswap/internal/server"
	"github.com/raaihank/piiswap/internal/websocket"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the sanitization API",
	Long: `Serve the plan/sanitize/verify API over HTTP, sharing the configured mapping
store and dummy pool, with a WebSocket stream of page and run events.
POST /v1/runs runs the pipeline over the configured output directory.

Changes to the log level in the config file are applied without a restart.`,
	GroupID: "service",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if servePort > 0 {
			a.cfg.Server.Port = servePort
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := a.openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		p, err := a.loadPool(ctx, store)
		if err != nil {
			return err
		}
		builder := planner.NewBuilder(store, p, a.log.WithComponent("planner").Logger)

		var hub *websocket.Hub
		if a.cfg.WebSocket.Enabled {
			hub = websocket.NewHub(&websocket.HubConfig{
				BroadcastPages:   a.cfg.WebSocket.BroadcastPages,
				BroadcastRuns:    a.cfg.WebSocket.BroadcastSummary,
				AllowedOrigins:   a.cfg.WebSocket.AllowedOrigins,
				BroadcastConnect: false,
			}, a.log.WithComponent("websocket").Logger)
			go hub.Run(ctx)
		}

		if logLevel == "" {
			a.watchLogLevel()
		}

		srv := server.New(a.cfg, a.log, builder, store, p, hub)

		extractor, err := extract.New(a.cfg.Pipeline)
		if err != nil {
			a.log.Warn("Pipeline runs disabled: no page source", zap.Error(err))
		} else {
			defer extractor.Close()
			pl := a.newPipeline(builder, store, extractor)
			if hub != nil {
				pl.WithSink(hub)
			}
			srv.WithPipeline(pl)
		}

		return srv.Start(ctx)
	},
}

// watchLogLevel applies log level edits from the config file at runtime.
// Other settings need a restart.
func (a *app) watchLogLevel() {
	err := config.Watch(func(cfg *config.Config) {
		level, err := zapcore.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return
		}
		if level != a.level.Level() {
			a.log.Info("Log level changed",
				zap.String("from", a.level.Level().String()),
				zap.String("to", level.String()))
			a.level.SetLevel(level)
		}
	}, func(err error) {
		a.log.Warn("Ignoring configuration change", zap.Error(err))
	})
	if err != nil {
		a.log.Debug("Configuration hot reload disabled", zap.Error(err))
	}
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default from config)")
}
