package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tally/pkg/app"
	"github.com/platinummonkey/tally/pkg/config"
	"github.com/platinummonkey/tally/pkg/observability"
)

var version = "dev"

var (
	envFile = flag.String("env-file", ".env", "Optional dotenv file read before the environment")
	runOnce = flag.Bool("run-once", false, "Run the selected job once and exit")
	jobName = flag.String("job", "", "Job to run with --run-once (rollover, expiry, dispatch, archive)")
	date    = flag.String("date", "", "Day to export (YYYY-MM-DD) for --job=archive. If empty, exports yesterday")
	force   = flag.Bool("force", false, "Overwrite an existing archive object when --date is set")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	log := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, version)
	if err != nil {
		log.WithError(err).Fatal("Failed to start")
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("Failed to close connections")
		}
	}()

	if *runOnce {
		if err := runJob(ctx, a, log); err != nil {
			log.WithError(err).WithField("job", *jobName).Error("Job failed")
			stop()
			os.Exit(1)
		}
		return
	}

	a.Scheduler.Start()
	log.WithField("jobs", a.Scheduler.Jobs()).Info("tally-jobs started")

	<-ctx.Done()
	log.Info("Shutting down gracefully...")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Scheduler.Stop(stopCtx); err != nil {
		log.WithError(err).Warn("Scheduler did not stop cleanly")
	}
	log.Info("tally-jobs stopped")
}

// runJob runs one job and prints its report to stdout as JSON
func runJob(ctx context.Context, a *app.App, log logrus.FieldLogger) error {
	var (
		result interface{}
		err    error
	)
	if *jobName == app.JobArchive && *date != "" {
		if a.Exporter == nil {
			return errors.New("archive is not configured; set TALLY_S3_BUCKET")
		}
		day, perr := time.Parse("2006-01-02", *date)
		if perr != nil {
			return fmt.Errorf("invalid date format: %w", perr)
		}
		log.WithField("day", *date).Info("Exporting usage archive")
		result, err = a.Exporter.ExportDay(ctx, day, *force)
	} else {
		result, err = a.Scheduler.RunNow(ctx, *jobName)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
