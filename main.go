package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inbox-service/config"
	"inbox-service/controller"
	"inbox-service/database"
	"inbox-service/dispatcher"
	"inbox-service/event"
	"inbox-service/event/listener"
	"inbox-service/ingest"
	"inbox-service/logging"
	"inbox-service/queue"
	"inbox-service/router"
	"inbox-service/socketio"
	"inbox-service/store"
	"inbox-service/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

func main() {
	log := logging.New("inbox-service", config.Config("LOG_LEVEL"), config.Config("LOG_FORMAT"))

	db, err := openDatabase()
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}

	var cache store.InstanceCache
	redisClient := openRedis(log)
	if redisClient != nil {
		cache = database.NewInstanceCache(redisClient, config.Duration("INSTANCE_CACHE_TTL", 5*time.Minute), logging.Component(log, "cache"))
	}

	st := store.New(db, cache)
	requests := queue.New(config.Int("QUEUE_CONCURRENCY", queue.DefaultConcurrency))
	pool := worker.New(config.Int("WORKER_CONCURRENCY", 50), logging.Component(log, "worker"))
	hooks := dispatcher.New(st, &http.Client{
		Timeout: config.Duration("WEBHOOK_TIMEOUT", dispatcher.DefaultTimeout),
	}, logging.Component(log, "dispatcher"))
	profiles := ingest.NewProfileClients(config.Config("EVOLUTION_API_URL"), config.Config("EVOLUTION_API_KEY"), nil)

	rest := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		StrictRouting:         true,
		AppName:               "inbox-service",
	})
	rest.Use(cors.New())

	jwtKey := []byte(config.Config("JWT_ACCESS_KEY"))

	// Agent UIs
	socket := socketio.Init(rest, redisClient, jwtKey, logging.Component(log, "socketio"))
	router.Socket(socket, logging.Component(log, "socketio"))
	sinks := []ingest.Sink{socketio.NewEmitter(socket)}

	// RabbitMQ
	var broker *event.Broker
	ingestQueue := config.Config("RABBITMQ_INGEST_QUEUE")
	if url := config.Config("RABBITMQ_URL"); url != "" {
		broker, err = openBroker(url, log)
		if err != nil {
			log.Fatal().Err(err).Msg("RabbitMQ unavailable")
		}
		notifyQueue := config.String("RABBITMQ_NOTIFY_QUEUE", "inbox.notifications")
		queues := []string{notifyQueue}
		if ingestQueue != "" {
			queues = append(queues, ingestQueue)
		}
		if err := broker.Declare(queues...); err != nil {
			log.Fatal().Err(err).Msg("RabbitMQ queues unavailable")
		}
		sinks = append(sinks, event.NewPublisher(broker, notifyQueue))
	}

	svc := ingest.New(st, hooks, pool, profiles, logging.Component(log, "ingest"), sinks...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if broker != nil && ingestQueue != "" {
		evo := listener.NewEvolution(requests, svc, logging.Component(log, "listener"))
		if config.Config("EVENT_MODE") == "REPLAY" {
			broker.Register(ingestQueue, evo.Handle)
			n, err := broker.Replay(ctx)
			if err != nil {
				log.Error().Err(err).Msg("event replay stopped")
			}
			log.Info().Int("events", n).Msg("event log replayed")
		}
		prefetch := config.Int("RABBITMQ_PREFETCH", config.Int("QUEUE_CONCURRENCY", queue.DefaultConcurrency))
		if err := broker.Subscribe(ctx, ingestQueue, prefetch, evo.Handle); err != nil {
			log.Fatal().Err(err).Msg("RabbitMQ subscribe failed")
		}
	}

	router.Rest(rest, router.Handlers{
		Webhook:    controller.NewWebhook(requests, svc, logging.Component(log, "webhook")),
		Requests:   requests,
		Background: pool,
		JWTKey:     jwtKey,
	})

	port := config.String("SERVER_PORT", "3000")
	go func() {
		if err := rest.Listen(fmt.Sprintf(":%s", port)); err != nil {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()
	log.Info().Str("port", port).Msg("inbox-service started")

	exit := make(chan struct{})
	SignalC := make(chan os.Signal, 1)

	signal.Notify(SignalC, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for s := range SignalC {
			switch s {
			case syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				close(exit)
				return
			}
		}
	}()

	<-exit
	log.Info().Msg("shutting down")

	if err := rest.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	cancel()
	socket.Close(nil)
	if broker != nil {
		if err := broker.Close(); err != nil {
			log.Warn().Err(err).Msg("RabbitMQ close")
		}
	}

	drain, stop := context.WithTimeout(context.Background(), config.Duration("SHUTDOWN_TIMEOUT", 30*time.Second))
	defer stop()
	if err := pool.Close(drain); err != nil {
		log.Warn().Err(err).Msg("background tasks abandoned")
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}
}

func openDatabase() (*gorm.DB, error) {
	var (
		db      *gorm.DB
		err     error
		migrate = config.Bool("POSTGRES_AUTOMIGRATE", false)
	)
	switch config.String("DATABASE_DRIVER", "postgres") {
	case "sqlite":
		db, err = database.SQLiteConnect(config.String("SQLITE_PATH", "inbox.db"))
		migrate = true
	default:
		db, err = database.PostgresConnect()
	}
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := database.Migrate(db); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return db, nil
}

// openRedis returns nil when Redis is not configured or not reachable; the
// service then runs without the instance cache and with in-memory rooms.
func openRedis(log zerolog.Logger) *redis.Client {
	if config.Config("REDIS_HOST") == "" {
		return nil
	}
	client := database.RedisConnect()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unavailable, continuing without it")
		client.Close()
		return nil
	}
	return client
}

func openBroker(url string, log zerolog.Logger) (*event.Broker, error) {
	conn, ch, err := event.RabbitMQConnect(url)
	if err != nil {
		return nil, err
	}

	var logs *event.Logs
	if config.Config("EVENT_MODE") != "DISABLE" {
		logs, err = event.OpenLogs(config.String("EVENT_LOG_DIR", "log"))
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}
	return event.NewBroker(conn, ch, logs, logging.Component(log, "rabbitmq")), nil
}
