package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/inteca/nuxeo/pkg/config"
	"github.com/inteca/nuxeo/pkg/filter"
	"github.com/inteca/nuxeo/pkg/kv"
	"github.com/inteca/nuxeo/pkg/kv/nats"
	"github.com/inteca/nuxeo/pkg/kv/redis"
	"github.com/inteca/nuxeo/pkg/kv/rocksdb"
	"github.com/inteca/nuxeo/pkg/kv/sql"
	"github.com/inteca/nuxeo/pkg/log"
	"github.com/inteca/nuxeo/pkg/log/kafka"
	"github.com/inteca/nuxeo/pkg/log/memory"
	"github.com/inteca/nuxeo/pkg/metrics"
	"github.com/inteca/nuxeo/pkg/stream"
	"github.com/inteca/nuxeo/pkg/tracing"
	"github.com/inteca/nuxeo/pkg/work"
	"go.uber.org/zap"
)

// runtime holds everything a command needs, close releases it in reverse order
type runtime struct {
	config    *config.Config
	logger    *zap.Logger
	collector *metrics.Collector
	tracing   *tracing.Provider
	streams   *stream.Manager
	stores    *kv.Registry
	manager   *work.Manager
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.ValidateAndLoad(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration %s: %w", path, err)
	}
	return cfg, nil
}

func buildRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runtime, error) {
	rt := &runtime{config: cfg, logger: logger}
	if cfg.Metrics.Enabled {
		rt.collector = metrics.NewCollector(logger)
		if cfg.Metrics.Runtime {
			rt.collector.RegisterRuntimeMetrics()
		}
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = cfg.Application.Name
	}
	provider, err := tracing.NewProvider(cfg.Tracing, logger)
	if err != nil {
		return nil, err
	}
	rt.tracing = provider

	logs, err := buildLog(cfg.Log, logger)
	if err != nil {
		rt.close()
		return nil, err
	}
	streamOpts := []stream.ManagerOption{
		stream.WithLogger(logger),
		stream.WithTracer(provider.Tracer()),
	}
	if rt.collector != nil {
		streamOpts = append(streamOpts, stream.WithMetrics(rt.collector))
	}
	rt.streams = stream.NewManager(logs, streamOpts...)

	rt.stores, err = buildStores(ctx, cfg.KV, logger)
	if err != nil {
		rt.close()
		return nil, err
	}

	queues, err := work.NewQueueRegistry(cfg.Work.Queues...)
	if err != nil {
		rt.close()
		return nil, err
	}
	workOpts := []work.Option{
		work.WithLogger(logger),
		work.WithTracer(provider.Tracer()),
		work.WithStores(rt.stores),
		work.WithFilterRegistry(filter.DefaultRegistry(rt.stores, logger)),
		work.WithSettings(cfg.ApplyStreamSettings),
	}
	if rt.collector != nil {
		workOpts = append(workOpts, work.WithMetrics(rt.collector))
	}
	rt.manager, err = work.NewManager(rt.streams, queues, workTypes(logger), cfg.WorkManagerConfig(), workOpts...)
	if err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) close() {
	if rt.stores != nil {
		if err := rt.stores.Close(); err != nil {
			rt.logger.Warn("Failed to close key/value stores", zap.Error(err))
		}
	}
	if rt.streams != nil {
		if err := rt.streams.Close(); err != nil {
			rt.logger.Warn("Failed to close log", zap.Error(err))
		}
	}
	if rt.tracing != nil {
		if err := rt.tracing.Shutdown(context.Background()); err != nil {
			rt.logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}
}

func buildLog(cfg config.LogConfig, logger *zap.Logger) (log.Manager, error) {
	switch cfg.Backend {
	case config.LogBackendMemory, "":
		return memory.NewManager(memory.WithLogger(logger)), nil
	case config.LogBackendKafka:
		kc := kafka.DefaultConfig()
		kc.BootstrapServers = cfg.Kafka.BootstrapServers
		if cfg.Kafka.TopicPrefix != "" {
			kc.TopicPrefix = cfg.Kafka.TopicPrefix
		}
		kc.ReplicationFactor = cfg.Kafka.ReplicationFactor
		kc.AdminTimeout = cfg.Kafka.AdminTimeout
		kc.ProducerProperties = cfg.Kafka.Producer
		kc.ConsumerProperties = cfg.Kafka.Consumer
		return kafka.NewManager(kc, logger)
	default:
		return nil, fmt.Errorf("unsupported log backend %q", cfg.Backend)
	}
}

func buildStores(ctx context.Context, cfg config.KVConfig, logger *zap.Logger) (*kv.Registry, error) {
	registry := kv.NewRegistry()
	for _, sc := range cfg.Stores {
		store, err := buildStore(ctx, sc, logger.With(zap.String("store", sc.Name)))
		if err != nil {
			return nil, errors.Join(fmt.Errorf("store %s: %w", sc.Name, err), registry.Close())
		}
		registry.Register(sc.Name, store)
	}
	return registry, nil
}

func buildStore(ctx context.Context, sc config.StoreConfig, logger *zap.Logger) (kv.Store, error) {
	switch sc.Backend {
	case config.StoreMemory, "":
		return kv.NewMemoryStore(sc.CleanupInterval, logger), nil
	case config.StoreSQL:
		c := sql.DefaultConfig()
		c.Driver = sc.Driver
		c.DSN = sc.DSN
		if sc.Table != "" {
			c.Table = sc.Table
		}
		c.CleanupInterval = sc.CleanupInterval
		return sql.NewStore(ctx, c, logger)
	case config.StoreRedis:
		return redis.NewStore(ctx, redis.Config{
			Addr:     sc.Addr,
			Password: sc.Password,
			DB:       sc.DB,
			Prefix:   sc.Prefix,
		}, logger)
	case config.StoreNATS:
		return nats.NewStore(nats.Config{
			URL:       sc.URL,
			Bucket:    sc.Bucket,
			BucketTTL: sc.BucketTTL,
			Replicas:  sc.Replicas,
		}, logger)
	case config.StoreRocksDB:
		c := rocksdb.DefaultConfig(sc.Path)
		c.Sync = sc.Sync
		return rocksdb.NewStore(c, logger)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", sc.Backend)
	}
}
