// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/sipsocial/internal/auth"
	"github.com/jason-s-yu/sipsocial/internal/cache"
	"github.com/jason-s-yu/sipsocial/internal/config"
	"github.com/jason-s-yu/sipsocial/internal/database"
	"github.com/jason-s-yu/sipsocial/internal/friends"
	"github.com/jason-s-yu/sipsocial/internal/friendship"
	"github.com/jason-s-yu/sipsocial/internal/handlers"
	"github.com/jason-s-yu/sipsocial/internal/middleware"
	"github.com/jason-s-yu/sipsocial/internal/models"
	"github.com/jason-s-yu/sipsocial/internal/realtime"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}

	ttl, err := auth.ParseTokenTTL(cfg.Auth.TokenTTL)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}
	if cfg.Auth.PrivateKeyPath != "" {
		err = auth.InitFromPath(cfg.Auth.PrivateKeyPath, cfg.Auth.PublicKeyPath, ttl)
	} else {
		logger.Warn("no auth key files configured, generating an ephemeral key pair")
		err = auth.Init(ttl)
	}
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := realtime.NewHub(logger)

	var store friendship.Store
	switch cfg.StoreDriver {
	case config.DriverMemory:
		logger.Warn("using in-memory friendship store; data is lost on exit")
		store = database.NewMemoryStore(hub.Publish)
	default:
		pool, err := database.ConnectDB(ctx, cfg.Database.DSN())
		if err != nil {
			logger.Fatalf("database: %v", err)
		}
		defer pool.Close()
		if cfg.Database.Migrate {
			if err := database.Migrate(ctx, pool); err != nil {
				logger.Fatalf("database: %v", err)
			}
		}
		store = database.NewFriendStore(pool)
		go database.NewNotifier(pool, hub.Publish, logger).Run(ctx)
	}

	var listCache friends.ListCache
	if cfg.Redis.Addr != "" {
		rdb, err := cache.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.DB)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		defer rdb.Close()
		lc := cache.NewListCache(rdb, cfg.Redis.CacheTTL)
		listCache = lc

		names := make([]string, len(friends.Lists))
		for i, l := range friends.Lists {
			names[i] = string(l)
		}
		invalidator := hub.Channel("list-cache-invalidation")
		invalidator.On(realtime.ColumnAny, uuid.Nil, func(ev models.ChangeEvent) {
			if err := lc.InvalidateChange(ctx, ev, names...); err != nil {
				logger.WithField("error", err).Warn("list cache invalidation failed")
			}
		})
		defer invalidator.Unsubscribe()
	}

	svc := friendship.NewService(store, logger)
	listener := friendship.NewListener(hub, logger)
	fs := handlers.NewFriendServer(svc, listener, listCache, logger)

	mux := http.NewServeMux()
	fs.Routes(mux, middleware.LogMiddleware(logger))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("Running on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("server exited: %v", err)
	}
}
