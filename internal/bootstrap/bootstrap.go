// Package bootstrap builds the automation runtime shared by the server,
// worker and leadctl binaries.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/internal/config"
	"github.com/dilshadbvoc-ui/Dad-backend-sub001/services"
	"github.com/dilshadbvoc-ui/Dad-backend-sub001/workers"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
)

const sweepLeaseKey = "rotation-sweep"

// Runtime holds every long-lived collaborator of a process.
type Runtime struct {
	PG            *sql.DB
	Redis         *redis.Client
	Store         services.Store
	FCM           *services.FCMService
	Notifications *workers.NotificationWorker
	Automation    *services.AutomationService

	stopNotifications context.CancelFunc
	notificationsDone sync.WaitGroup
}

// New connects to the configured backends and wires the automation core.
func New(cfg config.Config) (*Runtime, error) {
	rt := &Runtime{}

	switch cfg.Store {
	case config.StoreMemory:
		log.Println("Using in-memory store; state is lost on restart")
		rt.Store = services.NewMemoryStore()
	default:
		pg, err := OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		rt.PG = pg
		rt.Store = services.NewPostgresStore(pg)
	}

	opts := services.AutomationOptions{
		Schema:         cfg.FieldSchema(),
		SweepBatchSize: cfg.Rotation.SweepBatchSize,
		DedupeTTL:      cfg.Workflow.DedupeTTL,
	}

	if cfg.RedisURL != "" {
		rdb, err := OpenRedis(cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.Redis = rdb
		opts.Locks = services.NewRedisLocker(rdb, cfg.Locks.TTL, cfg.Locks.Wait)
		opts.Deduper = services.NewRedisDeduper(rdb, cfg.Workflow.DedupeTTL)
		opts.Lease = services.NewRedisLease(rdb, sweepLeaseKey, cfg.Rotation.LeaseTTL)
		log.Println("  Using Redis for entity locks, event dedupe and sweep lease")
	} else {
		opts.Lease = &services.LocalLease{}
		log.Println("  REDIS_URL not set, locks and dedupe are process-local")
	}

	rt.FCM = services.NewFCMService(rt.Store, cfg.Firebase.CredentialsFile)
	rt.Notifications = workers.NewNotificationWorker(rt.Store, rt.FCM, cfg.Notifications.QueueSize)
	opts.Dispatcher = rt.Notifications

	rt.Automation = services.NewAutomationService(rt.Store, opts)
	return rt, nil
}

// OpenPostgres opens and verifies a lib/pq connection pool.
func OpenPostgres(databaseURL string) (*sql.DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable (or config) is required")
	}
	pg, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	pg.SetMaxOpenConns(25)
	pg.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pg.PingContext(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pg.Exec("SET TIME ZONE 'UTC'"); err != nil {
		log.Printf("Failed to set timezone to UTC: %v", err)
	}
	log.Println("  Connected to database successfully")
	return pg, nil
}

func OpenRedis(redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	log.Println("  Connected to Redis successfully")
	return rdb, nil
}

// StartNotifications runs the notification worker until Close. It is not tied
// to a request or signal context so notifications dispatched during shutdown
// are still written before the database closes.
func (rt *Runtime) StartNotifications() {
	if rt.stopNotifications != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	rt.stopNotifications = cancel
	rt.notificationsDone.Add(1)
	go func() {
		defer rt.notificationsDone.Done()
		rt.Notifications.StartNotificationWorker(ctx)
	}()
}

// StopNotifications drains queued notifications and waits for the worker.
func (rt *Runtime) StopNotifications() {
	if rt.stopNotifications == nil {
		return
	}
	rt.stopNotifications()
	rt.notificationsDone.Wait()
	rt.stopNotifications = nil
}

// Close drains notifications, then closes the backends. Call it only after
// every producer of notifications has returned.
func (rt *Runtime) Close() {
	rt.StopNotifications()
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			log.Printf("Failed to close redis: %v", err)
		}
	}
	if rt.PG != nil {
		if err := rt.PG.Close(); err != nil {
			log.Printf("Failed to close database: %v", err)
		}
	}
}
