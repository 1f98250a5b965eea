package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autodm/internal/handlers"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server (webhooks, cron trigger, management API)",
	RunE:  serve,
}

var serveMigrate bool

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "run database migrations before serving")
	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, args []string) error {
	app, err := newApplication(context.Background(), true)
	if err != nil {
		return err
	}
	defer app.close(context.Background())
	cfg, log := app.cfg, app.logger

	if serveMigrate {
		if err := migrate(app.db); err != nil {
			return err
		}
	}

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	go app.hub.Run()
	if cfg.Scheduler.EmbeddedInterval > 0 {
		log.Infof("embedded scheduler every %s", cfg.Scheduler.EmbeddedInterval)
		app.cron.Start(cfg.Scheduler.EmbeddedInterval)
		defer app.cron.Stop()
	}

	router := handlers.NewRouter(handlers.RouterDeps{
		Config:     cfg,
		Webhook:    handlers.NewWebhookHandler(app.verifier, newWebhookService(app), log),
		Cron:       handlers.NewCronHandler(app.cron, log),
		Automation: handlers.NewAutomationHandler(app.rules, app.jobs, log),
		Channels:   handlers.NewChannelHandler(app.channels, app.tokens, log),
		Health:     handlers.NewHealthHandler(cfg, app.db, app.breaker, app.hub, Version),
		Metrics:    handlers.NewMetricsHandler(app.jobs),
		Hub:        app.hub,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	log.Info("Server exited")
	return nil
}
