package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/ternarybob/arbor"

	"manimate/api"
	"manimate/config"
	"manimate/generator"
	"manimate/notify"
	"manimate/poller"
	"manimate/push"
	"manimate/session"
	"manimate/shared/kafka"
	"manimate/storage"
	"manimate/store"
)

// app is every long-lived component of a running server
type app struct {
	cfg        *config.Config
	logger     arbor.ILogger
	store      store.Store
	registry   *push.Registry
	dispatcher *notify.Dispatcher
	service    *session.Service
	server     *api.Server
	consumer   *kafka.Consumer

	closers []func() error
}

// wireApp builds the server from cfg. Nothing is started.
func wireApp(ctx context.Context, cfg *config.Config, logger arbor.ILogger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.GeneratorAPIKeyParam != "" && cfg.GeneratorAPIKey == "" {
		ps, err := newParamStore(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		if err := cfg.ResolveGeneratorAPIKey(ctx, ps); err != nil {
			return nil, fmt.Errorf("resolve generator api key: %w", err)
		}
	}

	gen := generator.NewClient(generator.Options{
		BaseURL:           cfg.GeneratorURL,
		APIKey:            cfg.GeneratorAPIKey,
		Timeout:           cfg.RequestTimeout,
		RequestsPerSecond: cfg.GeneratorRPS,
	})
	engine := poller.NewEngine(gen, poller.Options{
		Interval:    cfg.PollInterval,
		MaxTicks:    cfg.PollMaxTicks,
		Parallelism: cfg.PollParallelism,
	}, logger)

	st, err := a.buildStore(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = st

	a.registry = push.NewRegistry(logger)

	var sinks []notify.Sink
	if cfg.KafkaEnabled() && cfg.KafkaEventsTopic != "" {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		a.closers = append(a.closers, producer.Close)
		sinks = append(sinks, notify.NewBusSink(producer))
	}
	a.dispatcher = notify.NewDispatcher(a.registry, logger, sinks...)

	opts := session.Options{
		Generation:   cfg.Generation,
		StoreTimeout: cfg.StoreTimeout,
		DefaultMode:  session.Mode(cfg.SubmitMode),
	}
	var archive *storage.Archive
	if cfg.S3Bucket != "" {
		archive, err = storage.NewArchive(ctx, storage.S3Config{
			Bucket:       cfg.S3Bucket,
			Prefix:       cfg.S3Prefix,
			Region:       cfg.S3Region,
			Profile:      cfg.S3Profile,
			UsePathStyle: cfg.S3UsePathStyle,
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("s3 archive: %w", err)
		}
		opts.Archive = archive
	}
	a.service = session.NewService(gen, engine, st, a.dispatcher, logger, opts)

	if cfg.KafkaEnabled() && cfg.KafkaRequestsTopic != "" {
		consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaRequestsTopic,
			GroupID: cfg.KafkaGroupID,
			Handler: session.NewSubmissionHandler(a.service, logger),
			Logger:  logger,
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("kafka consumer: %w", err)
		}
		a.consumer = consumer
	}

	deps := api.Deps{
		Sessions:   a.service,
		Generator:  gen,
		Store:      st,
		Registry:   a.registry,
		Dispatcher: a.dispatcher,
		Generation: cfg.Generation,
		Logger:     logger,
	}
	if archive != nil {
		deps.Archive = archive
	}
	a.server = api.NewServer(deps, cfg.Port)
	return a, nil
}

func (a *app) buildStore(ctx context.Context) (store.Store, error) {
	switch a.cfg.StoreBackend {
	case config.StoreRedis:
		rs, err := store.NewRedisStore(store.RedisConfig{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
			TTL:      a.cfg.SessionTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		a.closers = append(a.closers, rs.Close)
		return rs, nil

	case config.StoreDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		ds, err := store.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), a.cfg.DynamoTable, a.cfg.SessionTTL)
		if err != nil {
			return nil, fmt.Errorf("dynamodb store: %w", err)
		}
		return ds, nil
	}
	return store.NewMemoryStore(), nil
}

func newParamStore(ctx context.Context, region string) (*config.ParamStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return config.NewParamStore(ssm.NewFromConfig(awsCfg))
}

// start brings up the HTTP server, the prune cron and Kafka intake
func (a *app) start(ctx context.Context) error {
	if err := a.server.Start(); err != nil {
		return err
	}
	if a.cfg.PruneCron != "" {
		if err := a.server.StartCron(a.cfg.PruneCron, a.cfg.PruneAfter); err != nil {
			return err
		}
	}
	if a.consumer != nil {
		// Start blocks until the group joins, which may take a while when brokers are down
		go func() {
			if err := a.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn().Err(err).Msg("kafka consumer failed to start")
			}
		}()
	}
	return nil
}

// shutdown stops Kafka intake, then cancels runs so they record how they
// ended and sync callers get their answer, then closes the HTTP side.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka consumer: %w", err))
		}
	}
	if err := a.service.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sessions: %w", err))
	}
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

const shutdownTimeout = 10 * time.Second
