package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dm_service/internal/chat/app"
	"dm_service/internal/chat/repository"
	"dm_service/internal/chat/router"
	"dm_service/pkg/config"
	"dm_service/pkg/database"
	"dm_service/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	fiber_log "github.com/gofiber/fiber/v2/middleware/logger"
	"go.uber.org/zap"
)

func main() {
	logger.Log = logger.Initialize(config.EnvConfig.ChatService, config.EnvConfig.ChatServiceLogPath)
	defer logger.Log.Sync()
	cfg := config.LoadConfig[config.Chat](config.EnvConfig.ChatService, config.EnvConfig.ChatServiceYAMLPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. message store
	store, closeStore := openStore(ctx, cfg)
	defer closeStore()

	// 2. realtime transport
	transport := openTransport(cfg)

	// 3. row-change feed (postgres only)
	if cfg.Store.ChangeFeed {
		if cfg.Store.Driver != "postgres" {
			logger.Log.Fatal("store.change_feed requires store.driver postgres", zap.String("driver", cfg.Store.Driver))
		}
		pg := cfg.Postgres
		feed := repository.NewPgChangeFeed(database.PostgresDSN(pg.Host, pg.Port, pg.User, pg.Password, pg.Database, pg.SSLMode), store, transport)
		go func() {
			if err := feed.Run(ctx); err != nil {
				logger.Log.Fatal("pg change feed stopped", zap.Error(err))
			}
		}()
	}

	// 4. kafka event sink
	var sink repository.EventSink = repository.NopSink{}
	if len(cfg.Kafka.Brokers) > 0 {
		w, err := database.NewKafkaWriterWithRetry(database.KafkaConnection{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Retry:   retryPolicy(cfg.Kafka.RetryCount, cfg.Kafka.RetryInterval),
		})
		if err != nil {
			logger.Log.Fatal("connect kafka", zap.Error(err))
		}
		sink = repository.NewKafkaEventSink(w)
	}
	defer sink.Close()

	// 5. minio media
	var media app.MediaPresigner
	if cfg.MinIO.Endpoint != "" {
		mc, err := database.NewMinIOConnection(database.MinIOConnection{
			Endpoint:   cfg.MinIO.Endpoint,
			User:       cfg.MinIO.User,
			Password:   cfg.MinIO.Password,
			BucketName: cfg.MinIO.BucketName,
			UseSSL:     cfg.MinIO.UseSSL,
			Retry:      retryPolicy(cfg.MinIO.RetryCount, cfg.MinIO.RetryInterval),
		})
		if err != nil {
			logger.Log.Fatal("connect minio", zap.Error(err))
		}
		media = repository.NewMediaRepository(mc, cfg.MinIO.URLExpiry)
	}

	// 6. use cases
	svc := app.NewChatService(store, transport, sink, media, cfg.Realtime, cfg.Store.ChangeFeed)

	// 7. 啟動 Fiber
	r := fiber.New()
	file, err := os.OpenFile(fmt.Sprintf("%s/access.log", config.EnvConfig.ChatServiceLogPath), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer file.Close()

	r.Use(fiber_log.New(fiber_log.Config{
		Output: file, // 将日志输出到文件
	}))

	router.RegisterRoutes(r, app.NewChatWebsocketHandler(svc))

	go func() {
		<-ctx.Done()
		logger.Log.Info("shutting down chat service")
		if err := r.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Log.Error("fiber shutdown", zap.Error(err))
		}
	}()

	port := ":" + cfg.Port
	if config.EnvConfig.ChatServicePort != "" {
		port = ":" + config.EnvConfig.ChatServicePort
	}
	logger.Log.Info("Chat Service listening", zap.String("port", port))
	if err := r.Listen(port); err != nil {
		logger.Log.Fatal("Failed to start Fiber", zap.Error(err))
	}
}

// retryPolicy config retry_count / retry_interval (seconds)
func retryPolicy(count, intervalSec int) database.Retry {
	return database.Retry{Count: count, Interval: time.Duration(intervalSec) * time.Second}
}

// openStore connect the configured message store and prepare its schema
func openStore(ctx context.Context, cfg config.Chat) (repository.MessageStore, func()) {
	switch cfg.Store.Driver {
	case "postgres":
		pg := cfg.Postgres
		dsn := database.PostgresDSN(pg.Host, pg.Port, pg.User, pg.Password, pg.Database, pg.SSLMode)
		db, err := database.NewDatabaseConnection(database.Connection{
			ConnectStr: dsn,
			Retry:      retryPolicy(pg.RetryCount, pg.RetryInterval),
		})
		if err != nil {
			logger.Log.Fatal("Unable to connect to postgreSQL database after retries", zap.String("host", pg.Host), zap.Error(err))
		}
		store := repository.NewPgStore(db)
		if err := store.Migrate(ctx); err != nil {
			logger.Log.Fatal("migrate postgres", zap.Error(err))
		}
		return store, func() { _ = db.Close() }

	case "mongo":
		m := cfg.MongoSQL
		uri := database.MongoURI(m.User, m.Password, m.Host, m.Port)
		mongo, err := database.NewMongoDB(ctx, database.Connection{
			ConnectStr: uri,
			Retry:      retryPolicy(m.RetryCount, m.RetryInterval),
		}, m.Database)
		if err != nil {
			logger.Log.Fatal("Unable to connect to mongoDB database after retries", zap.String("host", m.Host), zap.Error(err))
		}
		store := repository.NewMongoStore(mongo.Database)
		if err := store.EnsureIndexes(ctx); err != nil {
			logger.Log.Fatal("mongo indexes", zap.Error(err))
		}
		return store, func() { _ = mongo.Close(context.Background()) }

	case "memory", "":
		logger.Log.Warn("using in-memory message store, data is lost on restart")
		return repository.NewMemoryStore(), func() {}
	}
	logger.Log.Fatal("unknown store driver", zap.String("driver", cfg.Store.Driver))
	return nil, nil
}

// openTransport redis pub/sub, or the in-process transport for single-node runs
func openTransport(cfg config.Chat) repository.Transport {
	rt := cfg.Realtime.WithDefaults()
	if cfg.Redis.Transport == "memory" {
		return repository.NewMemoryTransport(rt.EventBuffer)
	}

	var (
		client *redis.Client
		err    error
	)
	if cfg.Redis.Addr != "" {
		client, err = database.NewRedisStandalone(cfg.Redis.Addr, cfg.Redis.RedisDB)
	} else {
		masterName, sentinel := config.GetRedisSetting()
		client, err = database.NewRedisClient(masterName, sentinel, cfg.Redis.RedisDB)
	}
	if err != nil {
		logger.Log.Fatal(fmt.Sprintf("connect redis err : %v", err))
	}
	return repository.NewRedisTransport(client, cfg.Redis.KeyPrefix, rt.PresenceTTL, rt.EventBuffer)
}
