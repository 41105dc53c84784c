// Package factory wires configuration, clients, stores and services into a
// running application.
package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"accounts-service/internal/bucketing"
	"accounts-service/internal/client"
	"accounts-service/internal/config"
	"accounts-service/internal/encryption"
	"accounts-service/internal/events"
	"accounts-service/internal/hashing"
	"accounts-service/internal/identity"
	"accounts-service/internal/otp"
	"accounts-service/internal/redirect"
	"accounts-service/internal/repository"
	"accounts-service/internal/repository/memory"
	rediscache "accounts-service/internal/repository/redis"
	"accounts-service/internal/repository/scylla"
	"accounts-service/internal/repository/sqlite"
	"accounts-service/internal/service"
	"accounts-service/internal/session"
	"accounts-service/internal/sms"
	"accounts-service/internal/tls"
	"accounts-service/internal/util"
	"accounts-service/internal/wechat"
)

const (
	initTimeout   = 30 * time.Second
	healthTimeout = 5 * time.Second
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

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

	// Stores
	store      repository.Store
	state      otp.StateStore
	challenges otp.ChallengeStore

	recorder       *events.Recorder
	sessions       *session.Issuer
	cookies        *session.CookieWriter
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
}

// NewFactory loads configuration and initializes all dependencies.
func NewFactory(ctx context.Context) (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{config: cfg}
	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg.Server)
	}

	ctx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	if err := f.initializeClients(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	if err := f.initializeStores(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize stores: %w", err)
	}
	if err := f.initializeServices(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("storage_backend", cfg.Storage.Backend),
		util.String("otp_state_backend", cfg.Storage.StateBackend),
		util.String("sms_mode", cfg.SMS.Mode),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)
	return f, nil
}

// initializeClients connects to every configured backend. Redis and Scylla
// are required when selected; event sinks are optional outside production.
func (f *Factory) initializeClients(ctx context.Context) error {
	cfg := f.config

	if cfg.UsesRedis() {
		rc, err := client.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = rc
	}

	if cfg.Storage.Backend == config.BackendScylla {
		sc, err := scylla.NewScyllaClient(cfg.Scylla)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = sc
		if err := sc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("scylla health check: %w", err)
		}
		util.Info("ScyllaDB client initialized and healthy")
	}

	var sinkErrors []error

	if cfg.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(cfg.Kafka); err != nil {
			sinkErrors = append(sinkErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized", util.String("topic", cfg.Kafka.Topic))
		}
	}

	if cfg.Elasticsearch.Enabled {
		if es, err := client.NewElasticsearchClient(ctx, cfg.Elasticsearch); err != nil {
			sinkErrors = append(sinkErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = es
		}
	}

	if cfg.Clickhouse.Enabled {
		if ch, err := client.NewClickHouseClient(ctx, cfg.Clickhouse, cfg.IsProduction()); err != nil {
			sinkErrors = append(sinkErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = ch
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(sinkErrors) > 0 {
		if cfg.IsProduction() {
			return fmt.Errorf("event sink initialization failed: %v", sinkErrors)
		}
		for _, err := range sinkErrors {
			util.Warn("Event sink unavailable, continuing without it", util.ErrorField(err))
		}
	}
	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers(ctx context.Context) error {
	f.hasher = hashing.NewHasher(f.config.Hashing)
	f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing)

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		c, err := encryption.NewKMSClient(ctx, f.config.KMS)
		if err != nil {
			return fmt.Errorf("kms: %w", err)
		}
		kmsClient = c
	}

	em, err := encryption.NewEncryptionManager(f.config.KMS, kmsClient)
	if err != nil {
		return fmt.Errorf("encryption: %w", err)
	}
	f.encryptionManager = em

	util.Info("Managers initialized successfully",
		util.Int("lock_stripes", f.bucketingManager.LockStripes()),
		util.Bool("kms_enabled", f.config.KMS.Enabled),
	)
	return nil
}

func (f *Factory) initializeStores(ctx context.Context) error {
	cfg := f.config

	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		store, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return err
		}
		f.store = store
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		util.Info("SQLite store opened", util.String("path", cfg.SQLite.Path))
	case config.BackendScylla:
		f.store = scylla.NewStore(f.scyllaClient)
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	switch cfg.Storage.StateBackend {
	case config.BackendMemory:
		f.state = memory.NewStateStore(f.bucketingManager)
	case config.BackendRedis:
		f.state = rediscache.NewStateStore(f.redisClient)
	default:
		return fmt.Errorf("unknown otp state backend %q", cfg.Storage.StateBackend)
	}

	switch cfg.Storage.ChallengeBackend {
	case config.BackendDatabase:
		f.challenges = f.store
	case config.BackendRedis:
		f.challenges = rediscache.NewChallengeCache(f.redisClient)
	default:
		return fmt.Errorf("unknown otp challenge backend %q", cfg.Storage.ChallengeBackend)
	}

	var opts []session.Option
	if cfg.Storage.SessionCache {
		opts = append(opts, session.WithCache(rediscache.NewSessionCache(f.redisClient)))
	}
	f.sessions = session.NewIssuer(f.store, cfg.Session.TTL, opts...)
	f.cookies = session.NewCookieWriter(cfg)
	return nil
}

// eventPublisher fans out to every connected sink, or to the log when none is.
func (f *Factory) eventPublisher() events.Publisher {
	var sinks events.Multi
	if f.kafkaProducer != nil {
		sinks = append(sinks, events.NewKafkaPublisher(f.kafkaProducer))
	}
	if f.clickhouseClient != nil {
		sinks = append(sinks, events.NewClickHousePublisher(f.clickhouseClient))
	}
	if f.esClient != nil {
		sinks = append(sinks, events.NewElasticPublisher(f.esClient))
	}
	if len(sinks) == 0 {
		return events.LogPublisher{}
	}
	return sinks
}

func (f *Factory) initializeServices() error {
	cfg := f.config
	logger := util.Get()

	f.recorder = events.NewRecorder(f.eventPublisher(), f.bucketingManager)

	gateway, err := sms.NewGateway(cfg.SMS)
	if err != nil {
		return err
	}
	otpService, err := otp.NewService(cfg.OTP, f.state, f.challenges, f.hasher, gateway, logger, otp.WithRecorder(f.recorder))
	if err != nil {
		return err
	}

	guard := redirect.NewGuard(cfg.Redirect.BaseDomains)
	wechatClient := wechat.NewClient(cfg.WeChat)
	linker := identity.NewLinker(wechatClient, f.store, f.sessions, f.encryptionManager, guard,
		identity.Config{
			BaseURL:         cfg.BaseURL,
			DefaultReturnTo: cfg.Redirect.DefaultReturnTo,
			StateMaxAge:     cfg.WeChat.StateMaxAge,
		},
		identity.WithRecorder(f.recorder),
	)

	f.serviceFactory = service.NewServiceFactory(cfg, f.store, otpService, f.sessions, linker, wechatClient, guard, f.recorder, logger)
	return nil
}

// HealthCheck runs every dependency check concurrently and returns the
// result per dependency name.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	checks := map[string]func(context.Context) error{}
	if f.store != nil {
		checks["store"] = f.store.HealthCheck
	}
	if f.redisClient != nil {
		checks["redis"] = f.redisClient.HealthCheck
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}

	var mu sync.Mutex
	results := make(map[string]error, len(checks))
	var g errgroup.Group
	for name, check := range checks {
		g.Go(func() error {
			err := check(ctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.store != nil {
			if err := f.store.Close(); err != nil {
				util.Error("Failed to close store", util.ErrorField(err))
			}
		} else if f.scyllaClient != nil {
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
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

func (f *Factory) Cookies() *session.CookieWriter {
	return f.cookies
}
