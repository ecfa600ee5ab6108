// Command bastion-sweeper purges notifications past their retention period on a cron schedule.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/bastion/pkg/notify"
	"github.com/platinummonkey/bastion/pkg/observability"
)

// Config holds the sweeper configuration
type Config struct {
	DatabaseURL string
	Schedule    string
	Retention   time.Duration
	Timeout     time.Duration
	RunOnce     bool
	LogLevel    string
}

func main() {
	cfg := parseFlags()
	logger := setupLogger(cfg.LogLevel)

	db, err := connectDatabase(cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	sweeper := notify.NewSweeper(notify.NewStore(db), cfg.Retention,
		observability.NewLogger(observability.ParseLevel(cfg.LogLevel), os.Stdout), nil)

	if cfg.RunOnce {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		n, err := sweeper.RunOnce(ctx)
		if err != nil {
			logger.Fatalf("Sweep failed: %v", err)
		}
		logger.WithField("purged", n).Info("Sweep completed")
		return
	}

	c := cron.New(cron.WithLocation(time.UTC), cron.WithLogger(cron.VerbosePrintfLogger(logger)))
	if _, err := sweeper.Schedule(c, cfg.Schedule, cfg.Timeout); err != nil {
		logger.Fatalf("Failed to schedule sweep %q: %v", cfg.Schedule, err)
	}
	c.Start()
	logger.WithFields(logrus.Fields{
		"schedule":  cfg.Schedule,
		"retention": cfg.Retention.String(),
	}).Info("Notification sweeper started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down gracefully...")

	<-c.Stop().Done()
	logger.Info("Sweeper stopped")
}

func parseFlags() *Config {
	cfg := &Config{}
	flag.StringVar(&cfg.DatabaseURL, "db-url", getEnv("BASTION_DATABASE_URL", "postgres://localhost/bastion?sslmode=disable"), "PostgreSQL connection URL")
	flag.StringVar(&cfg.Schedule, "schedule", getEnv("BASTION_NOTIFICATION_SWEEP_SCHEDULE", "@daily"), "Cron schedule for the sweep (UTC)")
	flag.DurationVar(&cfg.Retention, "retention", notify.DefaultRetention, "Delete notifications older than this")
	flag.DurationVar(&cfg.Timeout, "timeout", 5*time.Minute, "Timeout of one sweep")
	flag.BoolVar(&cfg.RunOnce, "run-once", false, "Sweep once and exit")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("BASTION_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	flag.Parse()
	return cfg
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func connectDatabase(url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
