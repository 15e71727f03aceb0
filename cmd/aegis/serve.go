package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Starts the HTTP API on app.listen. SIGHUP reloads the service catalog
from the config file; SIGINT and SIGTERM shut down gracefully.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		a, err := buildApp(cfg)
		if err != nil {
			logger.Error("Startup failed", zap.Error(err))
			return err
		}
		defer a.close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a.checkProviders(ctx)
		if a.memoryCache != nil {
			logger.Debug("Starting snapshot cache sweeper", zap.Duration("interval", time.Minute))
			go a.memoryCache.Run(ctx, time.Minute)
		}

		if cfg.App.LogLevel != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		srv := a.server().HTTPServer(cfg.App.Listen)

		errCh := make(chan error, 1)
		go func() {
			logger.Info("HTTP server started",
				zap.String("addr", srv.Addr),
				zap.String("store", cfg.Store.Driver),
				zap.Int("services", len(a.catalog.Current().Services())))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(sigChan)

		for {
			select {
			case err := <-errCh:
				logger.Error("Server failed", zap.Error(err))
				return err
			case sig := <-sigChan:
				logger.Debug("Signal received", zap.String("signal", sig.String()))
				if sig == syscall.SIGHUP {
					if err := a.reload(cfgFile); err != nil {
						logger.Error("Catalog reload rejected; keeping current catalog", zap.Error(err))
					}
					continue
				}

				logger.Info("Shutting down", zap.String("signal", sig.String()))
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer shutdownCancel()
				cancel()
				return srv.Shutdown(shutdownCtx)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
