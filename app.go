package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	analyticsapp "iot-kpi/internal/analytics/application"
	apihttp "iot-kpi/internal/api/http"
	"iot-kpi/internal/checkpoint"
	"iot-kpi/internal/config"
	inventorytb "iot-kpi/internal/inventory/adapters/thingsboard"
	inventoryapp "iot-kpi/internal/inventory/application"
	"iot-kpi/internal/notify"
	"iot-kpi/internal/observability/metrics"
	"iot-kpi/internal/scheduler"
	statusapp "iot-kpi/internal/status/application"
	"iot-kpi/internal/storage/postgres"
	"iot-kpi/internal/tbadapter"
	telemetrytb "iot-kpi/internal/telemetry/adapters/thingsboard"
	telemetryapp "iot-kpi/internal/telemetry/application"
	"iot-kpi/internal/telemetry/infrastructure/clickhouse"
)

const (
	jobExtract     = "extract"
	jobExtractFull = "extract-full"
	jobIngest      = "ingest"
	jobAggregate   = "aggregate"
	jobPrune       = "prune"
)

type app struct {
	db        *sql.DB
	logger    *slog.Logger
	scheduler *scheduler.Scheduler
	override  *statusapp.OverrideService
	kpis      *analyticsapp.KPIService
	reports   *analyticsapp.ReportService
	closers   []func() error
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	db, err := postgres.Connect(ctx, cfg.Database.URL, postgres.ConnectOptions{
		Retries:      cfg.Database.ConnectRetries,
		RetryDelay:   cfg.Database.ConnectRetryDelay,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		Logger:       logger,
	})
	if err != nil {
		return a, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	if cfg.Database.MigrateOnStart {
		if err := postgres.Migrate(cfg.Database.URL, logger); err != nil {
			return a, err
		}
	}
	metrics.Init(db, logger)

	uow, err := postgres.NewUnitOfWork(db)
	if err != nil {
		return a, err
	}
	checkpoints, err := a.openCheckpoints(ctx, cfg.Checkpoint, db)
	if err != nil {
		return a, err
	}
	publisher, err := a.openPublishers(cfg.Notify)
	if err != nil {
		return a, err
	}

	clock := clockwork.NewRealClock()
	client, err := tbadapter.NewClient(cfg.Platform.BaseURL, cfg.Platform.Token, tbadapter.WithTimeout(cfg.Platform.Timeout))
	if err != nil {
		return a, err
	}
	reconciler, err := statusapp.NewReconciler(clock, logger)
	if err != nil {
		return a, err
	}

	pages, err := inventorytb.NewPageSource(client)
	if err != nil {
		return a, err
	}
	extractor, err := inventoryapp.NewExtractor(pages, logger)
	if err != nil {
		return a, err
	}
	writer, err := inventoryapp.NewUpsertWriter(uow, reconciler, inventoryapp.UpsertOptions{
		BatchSize: cfg.Extraction.BatchSize,
		Publisher: publisher,
		Clock:     clock,
		Logger:    logger,
	})
	if err != nil {
		return a, err
	}
	extraction, err := inventoryapp.NewExtractionJob(extractor, writer, checkpoints, uow, cfg.Extraction.PageSize, logger)
	if err != nil {
		return a, err
	}

	source, err := telemetrytb.NewSource(client, logger)
	if err != nil {
		return a, err
	}
	ingestor, err := telemetryapp.NewIngestor(uow, source, reconciler, telemetryapp.IngestOptions{
		SignalKey:          cfg.Telemetry.SignalKey,
		MetricUnits:        cfg.Telemetry.MetricKeys,
		Lookback:           cfg.Telemetry.Lookback,
		LivenessThreshold:  cfg.Status.LivenessThreshold,
		Workers:            cfg.Telemetry.Workers,
		IncludeTestDevices: cfg.Telemetry.IncludeTestDevices,
		Publisher:          publisher,
		Checkpoints:        checkpoints,
		Clock:              clock,
		Logger:             logger,
	})
	if err != nil {
		return a, err
	}

	aggregator, err := analyticsapp.NewWindowAggregator(uow, analyticsapp.AggregatorOptions{
		FreshThreshold: cfg.Aggregation.FreshThreshold,
		LookbackHours:  cfg.Aggregation.LookbackHours,
		Clock:          clock,
		Logger:         logger,
	})
	if err != nil {
		return a, err
	}

	prunerOpts := telemetryapp.PrunerOptions{Horizon: cfg.Retention.Horizon, Clock: clock, Logger: logger}
	if cfg.Archive.ClickHouse.Addr != "" {
		archiver, err := clickhouse.Open(ctx, clickhouse.Options{
			Addr:     cfg.Archive.ClickHouse.Addr,
			Database: cfg.Archive.ClickHouse.Database,
			Username: cfg.Archive.ClickHouse.Username,
			Password: cfg.Archive.ClickHouse.Password,
			Logger:   logger,
		})
		if err != nil {
			return a, err
		}
		a.closers = append(a.closers, archiver.Close)
		prunerOpts.Archiver = archiver
	}
	pruner, err := telemetryapp.NewPruner(uow, prunerOpts)
	if err != nil {
		return a, err
	}

	if a.override, err = statusapp.NewOverrideService(uow, reconciler, statusapp.OverrideOptions{
		Publisher:         publisher,
		Clock:             clock,
		LivenessThreshold: cfg.Status.LivenessThreshold,
		Logger:            logger,
	}); err != nil {
		return a, err
	}
	if a.kpis, err = analyticsapp.NewKPIService(uow, analyticsapp.KPIOptions{
		UptimeThreshold: cfg.KPI.UptimeThreshold,
		Clock:           clock,
		Logger:          logger,
	}); err != nil {
		return a, err
	}
	if a.reports, err = analyticsapp.NewReportService(uow, clock); err != nil {
		return a, err
	}

	a.scheduler = scheduler.New(scheduler.Options{
		Retries:    cfg.Scheduler.Retries,
		RetryDelay: cfg.Scheduler.RetryDelay,
		Clock:      clock,
		Logger:     logger,
	})
	jobs := []struct {
		name     string
		interval time.Duration
		fn       scheduler.JobFunc
	}{
		{jobExtract, cfg.Extraction.Interval, func(ctx context.Context) (any, error) { return extraction.Run(ctx, false) }},
		{jobIngest, cfg.Telemetry.Interval, func(ctx context.Context) (any, error) { return ingestor.Ingest(ctx) }},
		{jobAggregate, cfg.Aggregation.Interval, func(ctx context.Context) (any, error) { return aggregator.Aggregate(ctx) }},
		{jobPrune, cfg.Retention.Interval, func(ctx context.Context) (any, error) { return pruner.Prune(ctx) }},
	}
	for _, j := range jobs {
		if err := a.scheduler.Register(j.name, j.interval, j.fn); err != nil {
			return a, err
		}
	}
	if err := a.scheduler.RegisterVariant(jobExtractFull, jobExtract, func(ctx context.Context) (any, error) {
		return extraction.Run(ctx, true)
	}); err != nil {
		return a, err
	}
	return a, nil
}

func (a *app) openCheckpoints(ctx context.Context, cfg config.CheckpointConfig, db *sql.DB) (checkpoint.Store, error) {
	switch cfg.Driver {
	case config.CheckpointRedis:
		store, err := checkpoint.NewRedis(ctx, checkpoint.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case config.CheckpointSQLite:
		store, err := checkpoint.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case config.CheckpointPostgres:
		return checkpoint.NewPostgres(db)
	}
	return nil, fmt.Errorf("unknown checkpoint driver %q", cfg.Driver)
}

func (a *app) openPublishers(cfg config.NotifyConfig) (*notify.Multi, error) {
	publishers := []notify.Publisher{notify.NewLog(a.logger)}
	if cfg.MQTT.Broker != "" {
		mqttPub, err := notify.DialMQTT(notify.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { mqttPub.Close(); return nil })
		publishers = append(publishers, mqttPub)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPub, err := notify.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, kafkaPub.Close)
		publishers = append(publishers, kafkaPub)
	}
	multi := notify.NewMulti(publishers...)
	a.logger.Info("transition publishers ready", "count", multi.Len())
	return multi, nil
}

func (a *app) router() (http.Handler, error) {
	return apihttp.NewRouter(apihttp.Deps{
		DB:      a.db,
		Jobs:    a.scheduler,
		Status:  a.override,
		KPIs:    a.kpis,
		Reports: a.reports,
		Logger:  a.logger,
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	if a == nil {
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "err", err)
		}
	}
	a.closers = nil
}
