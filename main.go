package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"iot-kpi/internal/config"
	"iot-kpi/internal/logging"
	"iot-kpi/internal/report"
	"iot-kpi/internal/storage/postgres"
)

const usage = `usage:
  iot-kpi [serve] [-config file]
  iot-kpi run <extract|ingest|aggregate|prune> [-full] [-config file]
  iot-kpi migrate [-config file]
  iot-kpi report [-from RFC3339] [-to RFC3339] [-format xlsx|pdf] [-out file] [-config file]`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}
	switch command {
	case "serve":
		return serveCmd(ctx, args)
	case "run":
		return runCmd(ctx, args)
	case "migrate":
		return migrateCmd(args)
	case "report":
		return reportCmd(ctx, args)
	case "help", "-h", "--help":
		fmt.Println(usage)
		return nil
	}
	return fmt.Errorf("unknown command %q\n%s", command, usage)
}

func loadConfig(fs *flag.FlagSet, args []string) (config.Config, *slog.Logger, error) {
	path := fs.String("config", "", "YAML config file (defaults to IOTKPI_CONFIG)")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load(*path)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logging.NewLogger(cfg.LogLevel), nil
}

func serveCmd(ctx context.Context, args []string) error {
	cfg, logger, err := loadConfig(flag.NewFlagSet("serve", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	router, err := a.router()
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.scheduler.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	a.scheduler.Wait()
	return nil
}

func runCmd(ctx context.Context, args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("run: missing stage\n%s", usage)
	}
	stage, args := args[0], args[1:]
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	full := fs.Bool("full", false, "extract: ignore the checkpoint and walk every page")
	cfg, logger, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *full && stage == jobExtract {
		stage = jobExtractFull
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, runErr := a.scheduler.RunOnce(ctx, stage)
	if summary != nil {
		out, _ := json.MarshalIndent(summary, "", "  ")
		fmt.Println(string(out))
	}
	if runErr != nil {
		return fmt.Errorf("run %s: %w", stage, runErr)
	}
	return nil
}

func migrateCmd(args []string) error {
	cfg, logger, err := loadConfig(flag.NewFlagSet("migrate", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	if err := postgres.Migrate(cfg.Database.URL, logger); err != nil {
		return err
	}
	logger.Info("migrations applied")
	return nil
}

func reportCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fromFlag := fs.String("from", "", "period start, RFC3339 (default: 24h before -to)")
	toFlag := fs.String("to", "", "period end, RFC3339 (default: current hour)")
	format := fs.String("format", report.FormatXLSX, "xlsx or pdf")
	outPath := fs.String("out", "", "output file (default: generated name)")
	cfg, logger, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	to := time.Now().UTC().Truncate(time.Hour)
	if *toFlag != "" {
		if to, err = time.Parse(time.RFC3339, *toFlag); err != nil {
			return fmt.Errorf("report: invalid -to: %w", err)
		}
	}
	from := to.Add(-24 * time.Hour)
	if *fromFlag != "" {
		if from, err = time.Parse(time.RFC3339, *fromFlag); err != nil {
			return fmt.Errorf("report: invalid -from: %w", err)
		}
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.reports.Uptime(ctx, from, to)
	if err != nil {
		return err
	}
	data, err := report.Build(rep, *format)
	if err != nil {
		return err
	}
	path := *outPath
	if path == "" {
		path = report.Filename(rep, strings.ToLower(*format))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("report: write %s: %w", path, err)
	}
	logger.Info("report written", "path", path, "devices", len(rep.Rows), "bytes", len(data))
	return nil
}
