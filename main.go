package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"notification-service/api"
	"notification-service/events"
	"notification-service/registry"
	"notification-service/scheduler"
	"notification-service/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	eventsTableName := envString("EVENTS_TABLE", "NotificationEvents")
	if connStr == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, eventsTableName)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	rc := redis.NewClient(parseRedisOptions(redisConn))
	cache := storage.NewCache(store, rc, envDur("HISTORY_CACHE_TTL", 5*time.Minute))
	deduper := api.NewRedisDeduper(rc, envDur("DEDUPER_TTL", 24*time.Hour))

	testMode := os.Getenv("AUTH0_TEST_MODE") == "1"
	var auth *api.Auth
	if testMode {
		auth = api.NewAuth(nil, "", "")
	} else {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		domain := os.Getenv("AUTH0_DOMAIN")
		if jwtAudience == "" || domain == "" {
			log.Fatal("missing Auth0 config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, jwtAudience, "https://"+domain+"/")
	}

	logger := log.New()
	logger.SetLevel(log.GetLevel())

	sched := scheduler.New(logger)
	defer sched.Stop()

	staleThreshold := envDur("STALE_THRESHOLD", 5*time.Minute)
	reg := registry.New(sched, logger, registry.Options{
		HeartbeatInterval: envDur("HEARTBEAT_INTERVAL", 30*time.Second),
		StaleThreshold:    staleThreshold,
	})
	svc := events.New(cache, reg, logger)

	if !events.RegisterStaleReaper(sched, reg, events.ReaperConfig{
		Interval:       envDur("REAP_INTERVAL", 5*time.Minute),
		StaleThreshold: staleThreshold,
	}, logger) {
		log.Fatal("register stale connection reaper")
	}

	if queueName := os.Getenv("NOTIFICATION_QUEUE"); queueName != "" {
		queue, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, nil)
		if err != nil {
			log.Fatalf("queue client: %v", err)
		}
		go runIngest(context.Background(), queue, svc, deduper, logger)
	}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(echoprometheus.NewMiddleware("notification_service"))
	e.GET("/metrics", echoprometheus.NewHandler())

	api.Register(e, svc, reg, auth, os.Getenv("SERVICE_TOKEN"), logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}
