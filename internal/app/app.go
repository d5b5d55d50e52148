package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/internal/repositories"
	"github.com/Ramsey-B/clover/pkg/batch"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/geocode"
	"github.com/Ramsey-B/clover/pkg/graph"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/routes/health"
	"github.com/Ramsey-B/clover/pkg/startup"
	"github.com/Ramsey-B/clover/pkg/textanalysis"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Version is reported by the health endpoint.
var Version = "dev"

// App owns the process dependencies. Start must succeed before Services is
// used.
type App struct {
	cfg     *config.Config
	logger  ectologger.Logger
	startup *startup.Startup

	db       database.DB
	tracing  func(context.Context) error
	redis    *redis.Client
	graph    *graph.Client
	producer *kafka.Producer
	checker  *health.Checker

	Services *Services
}

func New(cfg *config.Config, logger ectologger.Logger) *App {
	a := &App{
		cfg:     cfg,
		logger:  logger,
		startup: startup.New(logger, cfg.StartupMaxAttempts),
		checker: health.NewChecker(Version),
	}

	a.startup.Add(startup.Func{Name: "tracing", StartFn: a.startTracing, StopFn: a.stopTracing})
	a.startup.Add(startup.Func{Name: "postgres", StartFn: a.startPostgres, StopFn: a.stopPostgres})
	a.startup.Add(startup.Func{Name: "redis", StartFn: a.startRedis, StopFn: a.stopRedis})
	a.startup.Add(startup.Func{Name: "graph", StartFn: a.startGraph, StopFn: a.stopGraph})
	a.startup.Add(startup.Func{Name: "kafka-producer", StartFn: a.startProducer, StopFn: a.stopProducer})
	a.startup.Add(startup.Func{
		Name:     "services",
		Requires: []string{"postgres", "redis", "graph", "kafka-producer"},
		StartFn:  a.startServices,
	})
	return a
}

func (a *App) Start(ctx context.Context) error {
	return a.startup.Start(ctx)
}

func (a *App) Stop(ctx context.Context) error {
	return a.startup.Stop(ctx)
}

func (a *App) startTracing(ctx context.Context) error {
	if !a.cfg.TracingEnabled {
		return nil
	}
	shutdown, err := tracing.Setup(ctx, a.cfg.AppName, tracing.ExporterConfig{
		Endpoint: a.cfg.TracingEndpoint,
		Protocol: a.cfg.TracingProtocol,
		Insecure: a.cfg.TracingInsecure,
		Timeout:  a.cfg.TracingTimeout,
	})
	if err != nil {
		return err
	}
	a.tracing = shutdown
	return nil
}

func (a *App) stopTracing(ctx context.Context) error {
	if a.tracing == nil {
		return nil
	}
	return a.tracing(ctx)
}

func (a *App) databaseConfig() database.Config {
	return database.Config{
		Host:            a.cfg.DatabaseHost,
		Port:            a.cfg.DatabasePort,
		User:            a.cfg.DatabaseUserName,
		Password:        a.cfg.DatabasePassword,
		Name:            a.cfg.DatabaseName,
		SSLMode:         a.cfg.DatabaseSSLMode,
		MaxOpenConns:    a.cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    a.cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: a.cfg.DatabaseConnMaxLifetime,
	}
}

func (a *App) connectPostgres(ctx context.Context) error {
	if a.db != nil {
		return nil
	}
	db, err := database.Connect(ctx, a.databaseConfig(), a.logger)
	if err != nil {
		return err
	}
	a.db = db
	return nil
}

func (a *App) startPostgres(ctx context.Context) error {
	if err := a.connectPostgres(ctx); err != nil {
		return err
	}
	a.checker.AddCheck("database", a.db.PingContext)

	if a.cfg.DatabaseMigrateOnStart {
		return a.migrate()
	}
	return nil
}

func (a *App) stopPostgres(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *App) migrate() error {
	ms := database.NewMigrationService(a.logger, database.MigrationConfig{
		FolderPath:   a.cfg.DatabaseMigrationFolderPath,
		Version:      uint(a.cfg.DatabaseMigrationVersion),
		Force:        a.cfg.DatabaseMigrationForce,
		AutoRollback: a.cfg.DatabaseMigrationAutoRollback,
	})
	return ms.MigratePostgres(a.db.SQL(), a.cfg.DatabaseName)
}

// Migrate connects to Postgres and applies the migrations, without starting
// anything else.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.connectPostgres(ctx); err != nil {
		return err
	}
	defer a.stopPostgres(ctx)
	return a.migrate()
}

func (a *App) redisConfig() redis.Config {
	return redis.Config{
		URL:      a.cfg.RedisURL,
		Host:     a.cfg.RedisHost,
		Port:     a.cfg.RedisPort,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	}
}

func (a *App) startRedis(ctx context.Context) error {
	cfg := a.redisConfig()
	if !cfg.Enabled() {
		a.logger.Info("Redis not configured, batch locks and shared rate limits are disabled")
		return nil
	}
	client, err := redis.NewClient(ctx, cfg, a.logger)
	if err != nil {
		return err
	}
	a.redis = client
	a.checker.AddCheck("redis", client.Ping)
	return nil
}

func (a *App) stopRedis(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Close()
}

func (a *App) startGraph(ctx context.Context) error {
	cfg := graph.Config{
		Host:     a.cfg.GraphDBHost,
		Port:     a.cfg.GraphDBPort,
		Username: a.cfg.GraphDBUser,
		Password: a.cfg.GraphDBPassword,
		Database: a.cfg.GraphDBName,
	}
	if !cfg.Enabled() {
		return nil
	}
	client, err := graph.NewClient(cfg, a.logger)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx); err != nil {
		_ = client.Close(ctx)
		return fmt.Errorf("graph database unreachable: %w", err)
	}
	a.graph = client
	a.checker.AddCheck("graph", client.Ping)
	return nil
}

func (a *App) stopGraph(ctx context.Context) error {
	if a.graph == nil {
		return nil
	}
	return a.graph.Close(ctx)
}

func (a *App) startProducer(ctx context.Context) error {
	if !a.cfg.KafkaProducerEnabled {
		return nil
	}
	a.producer = kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      a.cfg.KafkaBrokers,
		Topic:        a.cfg.KafkaOutputTopic,
		BatchSize:    a.cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(a.cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: a.cfg.KafkaRequiredAcks,
		Compression:  a.cfg.KafkaCompression,
	}, a.logger)
	return nil
}

func (a *App) stopProducer(ctx context.Context) error {
	if a.producer == nil {
		return nil
	}
	return a.producer.Close()
}

// options turns the config and the started clients into service options.
func (a *App) options() Options {
	opts := DefaultOptions()
	opts.Thresholds = a.cfg.Thresholds()
	opts.Matching.RadiusMeters = a.cfg.MatchRadiusMeters
	opts.Matching.MaxCandidates = a.cfg.MatchMaxCandidates
	opts.Attributes.HighConfidence = a.cfg.AttributeHighConfidence
	opts.Attributes.PathwayThresholds[models.ExtractedByTextAnalysis] = a.cfg.TextAnalysisAutoVerifyFrom
	opts.Batch = batch.Config{
		Workers:     a.cfg.BatchWorkers,
		Limit:       a.cfg.BatchLimit,
		MaxAttempts: a.cfg.BatchMaxAttempts,
		LockTTL:     a.cfg.BatchLockTTL,
	}

	if a.cfg.GeocoderBaseURL != "" {
		opts.Geocoder = geocode.NewClient(geocode.Config{
			BaseURL:   a.cfg.GeocoderBaseURL,
			UserAgent: a.cfg.GeocoderUserAgent,
			Timeout:   a.cfg.GeocoderTimeout,
		}, a.logger)
	}

	var shared textanalysis.SharedLimiter
	if a.redis != nil {
		shared = redis.NewIntervalLimiter(a.redis, a.cfg.RedisKeyPrefix+":ratelimit:")
		opts.Locker = redis.NewLocker(a.redis, a.cfg.RedisKeyPrefix+":lock:")
	}
	if a.cfg.TextAnalysisAPIKey != "" {
		opts.Analyzer = textanalysis.NewClient(textanalysis.Config{
			APIKey:      a.cfg.TextAnalysisAPIKey,
			BaseURL:     a.cfg.TextAnalysisBaseURL,
			Model:       a.cfg.TextAnalysisModel,
			MinInterval: a.cfg.TextAnalysisMinInterval,
			Timeout:     a.cfg.TextAnalysisTimeout,
		}, shared, a.logger)
	}

	if a.producer != nil {
		opts.Sinks = append(opts.Sinks, a.producer)
	}
	if a.graph != nil {
		opts.Sinks = append(opts.Sinks, graph.NewMirror(a.graph, a.logger))
	}
	return opts
}

func (a *App) startServices(ctx context.Context) error {
	a.Services = NewServices(repositories.NewStore(a.db, a.logger), a.options(), a.logger)
	return nil
}

// RunBatch drains the staged feed once.
func (a *App) RunBatch(ctx context.Context, opts batch.RunOptions) (*batch.Summary, error) {
	return a.Services.Processor.Run(ctx, opts)
}

// Merge applies one manual merge.
func (a *App) Merge(ctx context.Context, req merging.MergeRequest) (*merging.MergeResult, error) {
	return a.Services.Merger.Merge(ctx, req)
}

// Serve runs the HTTP API, and the staging trigger consumer when enabled,
// until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	e := NewServer(ServerConfig{
		AppName:      a.cfg.AppName,
		AllowOrigins: a.cfg.AllowOrigins,
		AllowMethods: a.cfg.AllowMethods,
	}, a.Services, a.checker, a.logger)
	configureHTTP(e, a.cfg)

	var consumer *kafka.Consumer
	if a.cfg.KafkaConsumerEnabled {
		consumer = kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:       a.cfg.KafkaBrokers,
			Topic:         a.cfg.KafkaTriggerTopic,
			ConsumerGroup: a.cfg.KafkaConsumerGroup,
		}, a.logger, kafka.TriggerHandler(a.Services.Processor, a.logger))
		if err := consumer.Start(ctx); err != nil {
			return err
		}
		a.checker.AddCheck("kafka-consumer", func(context.Context) error {
			if !consumer.Health() {
				return errors.New("consumer is not running")
			}
			return nil
		})
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Infof("Starting HTTP server on port %d", a.cfg.Port)
		if err := e.Start(fmt.Sprintf(":%d", a.cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	a.checker.SetReady(true)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	a.checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			a.logger.WithError(err).Error("Failed to stop Kafka consumer")
		}
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Error("Failed to shut down HTTP server")
	}
	return serveErr
}

func configureHTTP(e *echo.Echo, cfg *config.Config) {
	e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.ReadHeaderTimeout = time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = cfg.MaxHeaderBytes
}
