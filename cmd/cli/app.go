package cli

import (
	"context"
	"fmt"

	"autodm/internal/config"
	"autodm/internal/models"
	"autodm/internal/observability"
	"autodm/internal/services"
	"autodm/pkg/graph"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// application 进程内共享的服务图
type application struct {
	cfg      *config.Config
	logger   *logrus.Logger
	db       *gorm.DB
	jobs     *services.JobStore
	channels *services.ChannelService
	rules    *services.AutomationService
	tokens   *services.TokenLifecycleManager
	cron     *services.CronService
	hub      *services.ActivityHub
	breaker  *services.CircuitBreaker
	verifier *services.WebhookVerifier
	shutdown func(context.Context) error
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	return cfg, logrus.StandardLogger(), nil
}

func openDatabase(cfg *config.Config, log *logrus.Logger) (*gorm.DB, error) {
	level := logger.Warn
	if cfg.Log.Level == "debug" {
		level = logger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.Database.PostgresDSN()), &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if cfg.Monitoring.Tracing.Enabled {
		if err := observability.InstrumentDB(db); err != nil {
			log.Warnf("%v", err)
		}
	}
	return db, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	// 调度扫描与去重查询的复合索引
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_pending_jobs_status_execute_after ON pending_jobs(status, execute_after)",
		"CREATE INDEX IF NOT EXISTS idx_automation_logs_rule_created ON automation_logs(rule_id, created_at)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_automation_logs_rule_comment ON automation_logs(rule_id, comment_id, recipient_id) WHERE deleted_at IS NULL AND comment_id <> ''",
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// newApplication builds the service graph. withHub attaches the websocket
// activity feed, which only the long-running server needs.
func newApplication(ctx context.Context, withHub bool) (*application, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	shutdown, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		log.Warnf("init tracing: %v", err)
		shutdown = func(context.Context) error { return nil }
	}
	db, err := openDatabase(cfg, log)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	sc := cfg.Scheduler
	codec := services.NewTokenCodec(cfg.Encryption.TokenKey, log)
	client := graph.NewClient(&graph.Config{
		BaseURL:    cfg.Platform.GraphBaseURL,
		APIVersion: cfg.Platform.APIVersion,
		Timeout:    cfg.Platform.Timeout,
		MaxRetries: cfg.Platform.MaxRetries,
		RetryDelay: cfg.Platform.RetryDelay,
	}, log)

	var messenger services.Messenger = client
	var breaker *services.CircuitBreaker
	if cfg.CircuitBreaker.Enabled {
		breaker = services.NewCircuitBreaker(services.BreakerConfig{
			MaxFailures:     cfg.CircuitBreaker.MaxFailures,
			ResetTimeout:    cfg.CircuitBreaker.ResetTimeout,
			HalfOpenMaxReqs: cfg.CircuitBreaker.HalfOpenMaxReqs,
		})
		messenger = services.NewBreakerMessenger(client, breaker)
	}

	app := &application{
		cfg:      cfg,
		logger:   log,
		db:       db,
		breaker:  breaker,
		verifier: services.NewWebhookVerifier(cfg.Platform.AppSecret, cfg.Platform.VerifyToken),
		shutdown: shutdown,
	}
	var activity services.ActivityPublisher
	if withHub {
		app.hub = services.NewActivityHub(log)
		activity = app.hub
	}

	app.jobs = services.NewJobStore(db, sc.MaxAttempts, sc.RetryBackoff)
	app.channels = services.NewChannelService(db, codec, log)
	app.rules = services.NewAutomationService(db, app.jobs, sc.Location(), log,
		services.WithActivityPublisher(activity),
		services.WithFollowerLookup(client, app.channels),
	)
	app.tokens = services.NewTokenLifecycleManager(db, codec, client, sc.RefreshWindow, log)
	runner := services.NewBatchJobRunner(db, app.jobs, app.channels, messenger, services.RunnerConfig{
		BatchSize:    sc.BatchSize,
		StaleAfter:   sc.StaleAfter,
		ReleaseDelay: cfg.CircuitBreaker.ResetTimeout,
	}, log, services.WithRunnerActivity(activity))
	app.cron = services.NewCronService(runner, app.tokens, log, services.WithPassTimeout(sc.PassTimeout))
	return app, nil
}

func newWebhookService(app *application) *services.WebhookService {
	return services.NewWebhookService(app.channels, app.rules, app.logger)
}

func (a *application) close(ctx context.Context) {
	if a.hub != nil {
		a.hub.Stop()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warnf("tracing shutdown: %v", err)
	}
}
