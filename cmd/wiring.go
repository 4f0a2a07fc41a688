package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/shaharia-lab/notiq/internal/broker"
	"github.com/shaharia-lab/notiq/internal/config"
	"github.com/shaharia-lab/notiq/internal/service"
	"github.com/shaharia-lab/notiq/internal/storage"
)

func newRedisClient(cfg *config.AppConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// dispatchClient bundles a DispatchService with the connections behind it.
type dispatchClient struct {
	svc     service.DispatchService
	cleanup []func()
}

// Close releases connections in reverse open order.
func (c *dispatchClient) Close() {
	for i := len(c.cleanup) - 1; i >= 0; i-- {
		c.cleanup[i]()
	}
}

// newDispatchClient wires a DispatchService for one-shot commands.
//
// Commands that touch the queue (submit, dlq) set withQueue and require the
// redis broker: the memory broker lives inside a single process, so nothing
// submitted through it here would ever reach a worker daemon. Status and
// cancel operate purely on the status store; they get an inert in-process
// broker that the service never calls for those operations.
func newDispatchClient(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger, withQueue bool) (*dispatchClient, error) {
	c := &dispatchClient{}

	var client *redis.Client
	redisClient := func() *redis.Client {
		if client == nil {
			client = newRedisClient(cfg)
			c.cleanup = append(c.cleanup, func() { _ = client.Close() })
		}
		return client
	}

	var b broker.Broker
	if withQueue {
		if cfg.Broker != config.BrokerRedis {
			return nil, fmt.Errorf("this command needs a queue shared with the worker daemon; the %q broker is process-local (set NOTIQ_BROKER=redis)", cfg.Broker)
		}
		rb, err := broker.NewRedis(ctx, redisClient(), broker.RedisConfig{
			Stream:       cfg.RedisStream,
			Visibility:   cfg.VisibilityTimeout,
			PollInterval: cfg.PollInterval,
		})
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("connecting to broker: %w", err)
		}
		b = rb
	} else {
		b = broker.NewMemory(broker.MemoryConfig{})
	}

	var store storage.StatusStore
	switch cfg.StatusStore {
	case config.StatusStoreRedis:
		store = storage.NewRedisStatusStore(redisClient(), storage.RedisStatusConfig{TTL: cfg.StatusTTL})
	default:
		db, _, err := storage.NewSQLiteDB(cfg.SQLitePath)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("opening status database: %w", err)
		}
		c.cleanup = append(c.cleanup, func() { _ = db.Close() })
		store = storage.NewSQLiteStatusStore(db)
	}

	c.svc = service.NewDispatchService(b, store, logger, cfg.MaxAttempts)
	return c, nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
