// Package world composes the storage, queue, streamer, and encryption
// backends for one process, selected by configuration. The memory world is
// self-contained; the postgres world talks to postgres and redis.
package world

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loomhq/loom/common/config"
	"github.com/loomhq/loom/common/crypto"
	"github.com/loomhq/loom/common/db"
	"github.com/loomhq/loom/common/logger"
	"github.com/loomhq/loom/common/queue"
	"github.com/loomhq/loom/common/redis"
	"github.com/loomhq/loom/common/storage"
	"github.com/loomhq/loom/common/streamer"
)

// World is the set of backends everything above runs against.
type World struct {
	Storage   storage.Storage
	Queue     queue.Queue
	Streamer  streamer.Streamer
	Encryptor *crypto.Encryptor

	database    *db.DB
	redisClient *goredis.Client
}

// Open builds the world selected by cfg.Deployment.TargetWorld.
func Open(ctx context.Context, cfg *config.Config, log *logger.Logger) (*World, error) {
	enc, err := openEncryptor(cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.Deployment.TargetWorld {
	case "memory":
		return &World{
			Storage:   storage.NewMemory(),
			Queue:     queue.NewMemory(),
			Streamer:  streamer.NewMemory(),
			Encryptor: enc,
		}, nil

	case "postgres":
		database, err := db.New(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("world: open postgres: %w", err)
		}
		rc := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rc.Ping(ctx).Err(); err != nil {
			database.Close()
			return nil, fmt.Errorf("world: ping redis: %w", err)
		}
		client := redis.NewClient(rc, log)
		return &World{
			Storage:     storage.NewPostgres(database),
			Queue:       queue.NewRedis(client, log, cfg.Queue.VisibilityTimeout),
			Streamer:    streamer.NewRedis(client, log),
			Encryptor:   enc,
			database:    database,
			redisClient: rc,
		}, nil
	}
	return nil, fmt.Errorf("world: unknown target world %q", cfg.Deployment.TargetWorld)
}

// Lifetime returns the queue lifetime manager parameters from cfg.
func Lifetime(cfg *config.Config) queue.Lifetime {
	return queue.Lifetime{
		Max:    cfg.Queue.MessageLifetime,
		Buffer: cfg.Queue.LifetimeBuffer,
	}
}

// Close releases backend connections. Safe on the memory world.
func (w *World) Close() error {
	if w.Queue != nil {
		_ = w.Queue.Close()
	}
	if w.database != nil {
		w.database.Close()
	}
	if w.redisClient != nil {
		return w.redisClient.Close()
	}
	return nil
}

func openEncryptor(cfg *config.Config) (*crypto.Encryptor, error) {
	if len(cfg.Deployment.Key) == 0 {
		return nil, nil
	}
	enc, err := crypto.New(cfg.Deployment.Key, cfg.Deployment.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("world: encryptor: %w", err)
	}
	return enc, nil
}
