package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/prometheus/client_golang/prometheus"

	"authsession-service/internal/audit"
	"authsession-service/internal/bucketing"
	"authsession-service/internal/client"
	"authsession-service/internal/config"
	"authsession-service/internal/encryption"
	"authsession-service/internal/events"
	"authsession-service/internal/hashing"
	"authsession-service/internal/metrics"
	"authsession-service/internal/repository/memory"
	"authsession-service/internal/repository/scylla"
	"authsession-service/internal/service"
	"authsession-service/internal/tls"
	"authsession-service/internal/util"
)

// IdentityStore is the credential store plus a health probe.
type IdentityStore interface {
	service.CredentialStore
	HealthCheck(ctx context.Context) error
}

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager
	registry   *prometheus.Registry
	metrics    *metrics.Metrics

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	identityStore  IdentityStore
	dispatcher     *events.Dispatcher
	recorder       audit.Recorder
	serviceFactory *service.ServiceFactory

	janitorCancel context.CancelFunc
	janitorDone   chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads config and initializes all application dependencies.
// Redis is mandatory. Outside production, missing optional backends degrade
// to in-memory or log-only implementations.
func NewFactory() (*Factory, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	registry := prometheus.NewRegistry()
	metrics.RegisterRuntime(registry)

	f := &Factory{
		config:   cfg,
		registry: registry,
		metrics:  metrics.NewMetrics(registry),
		closed:   make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg.Server)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := f.initializeClients(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	f.initializeStore()
	f.initializeEvents(ctx)
	f.initializeAudit(ctx)

	f.serviceFactory, err = service.NewServiceFactory(cfg, f.identityStore, f.redisClient,
		f.hasher, f.encryptionManager, f.dispatcher, f.recorder, f.metrics)
	if err != nil {
		f.Close()
		return nil, err
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("scylla_enabled", f.scyllaClient != nil),
		util.Bool("kafka_enabled", f.kafkaProducer != nil),
		util.Bool("elasticsearch_enabled", f.esClient != nil),
		util.Bool("clickhouse_enabled", f.clickhouseClient != nil),
	)
	return f, nil
}

// initializeClients connects external services. Only Redis failures and,
// in production, failures of enabled backends are fatal.
func (f *Factory) initializeClients(ctx context.Context) error {
	var initErrors []error

	rc, err := client.NewRedisClient(f.config.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = rc
	metrics.RegisterRedisPool(f.registry, rc)

	if f.config.Scylla.Enabled {
		if sc, err := scylla.NewScyllaClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else if err := sc.Migrate(ctx); err != nil {
			sc.Close()
			initErrors = append(initErrors, err)
		} else {
			f.scyllaClient = sc
		}
	}

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
		}
	}

	if f.config.Elasticsearch.Enabled {
		if es, err := client.NewElasticsearchClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else if err := es.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			f.esClient = es
		}
	}

	if f.config.Clickhouse.Enabled {
		if ch, err := client.NewClickHouseClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else if err := ch.HealthCheck(ctx); err != nil {
			_ = ch.Close()
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			f.clickhouseClient = ch
		}
	}

	if f.config.IsProduction() && !f.config.Scylla.Enabled {
		initErrors = append(initErrors, errors.New("scylla must be enabled in production"))
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}
	return nil
}

func (f *Factory) initializeManagers(ctx context.Context) error {
	var err error
	if f.hasher, err = hashing.NewHasher(f.config.Hashing); err != nil {
		return fmt.Errorf("hasher: %w", err)
	}

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}
	if f.encryptionManager, err = encryption.NewEncryptionManager(f.config.KMS, kmsClient); err != nil {
		return fmt.Errorf("encryption: %w", err)
	}

	f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing)
	return nil
}

func (f *Factory) initializeStore() {
	if f.scyllaClient != nil {
		f.identityStore = scylla.NewIdentityRepository(f.scyllaClient, f.bucketingManager)
		return
	}
	util.Warn("ScyllaDB unavailable, identities are kept in memory and lost on restart")
	f.identityStore = memory.NewIdentityStore()
}

func (f *Factory) initializeEvents(ctx context.Context) {
	var sinks []events.Sink
	if f.kafkaProducer != nil {
		sinks = append(sinks, events.NewKafkaSink(f.kafkaProducer, f.config.Events.KafkaTopic))
	}
	if f.esClient != nil {
		if err := f.esClient.EnsureIndex(ctx, f.config.Events.ESIndex, events.SecurityEventsMapping); err != nil {
			util.Warn("Failed to ensure security event index", util.ErrorField(err))
		}
		sinks = append(sinks, events.NewElasticsearchSink(f.esClient, f.config.Events.ESIndex))
	}
	if len(sinks) == 0 {
		sinks = append(sinks, events.LogSink{})
	}

	f.dispatcher = events.NewDispatcher(sinks,
		events.WithBufferSize(f.config.Events.BufferSize),
		events.WithPublishTimeout(f.config.Events.PublishTimeout),
		events.WithObserver(f.metrics),
	)
	f.dispatcher.Start()
}

func (f *Factory) initializeAudit(ctx context.Context) {
	if f.clickhouseClient == nil {
		f.recorder = audit.NopRecorder{}
		return
	}
	rec := audit.NewClickHouseRecorder(f.clickhouseClient, f.config.Audit.Table,
		f.config.Audit.BatchSize, f.config.Audit.FlushInterval)
	if err := rec.EnsureTable(ctx); err != nil {
		util.Warn("Audit table unavailable, attempts will not be recorded", util.ErrorField(err))
		f.recorder = audit.NopRecorder{}
		return
	}
	rec.Start()
	f.recorder = rec
}

// StartJanitor periodically drops expired session index entries.
func (f *Factory) StartJanitor() {
	interval := f.config.Session.JanitorInterval
	if interval <= 0 || f.janitorCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.janitorCancel = cancel
	f.janitorDone = make(chan struct{})
	sessions := f.serviceFactory.SessionRegistry()

	go func() {
		defer close(f.janitorDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runCtx, cancelRun := context.WithTimeout(ctx, interval/2)
				n, err := sessions.SweepExpired(runCtx)
				cancelRun()
				if err != nil {
					util.Warn("Session sweep failed", util.ErrorField(err))
					continue
				}
				if n > 0 {
					util.Info("Session index swept", util.Int("removed", n))
				}
			}
		}
	}()
	util.Info("Session janitor started", util.Duration("interval", interval))
}

// HealthCheck reports failing dependencies. Backends that are not enabled
// are not reported.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = errors.New("redis client not initialized")
	}

	if f.identityStore != nil {
		if err := f.identityStore.HealthCheck(ctx); err != nil {
			healthErrors["identity_store"] = err
		}
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if f.janitorCancel != nil {
			f.janitorCancel()
			<-f.janitorDone
		}

		if f.dispatcher != nil {
			if err := f.dispatcher.Close(ctx); err != nil {
				util.Warn("Event dispatcher did not drain", util.ErrorField(err))
			}
		}

		if rec, ok := f.recorder.(*audit.ClickHouseRecorder); ok {
			rec.Close(ctx)
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})
	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Registry() *prometheus.Registry {
	return f.registry
}

func (f *Factory) Metrics() *metrics.Metrics {
	return f.metrics
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}
