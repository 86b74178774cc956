package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"taskflow.io/internal/auth"
	"taskflow.io/internal/config"
	"taskflow.io/internal/httpapi"
	"taskflow.io/internal/oauth"
	"taskflow.io/internal/obs"
	"taskflow.io/internal/ratelimit"
	"taskflow.io/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)
	logger := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	// Credential store: Postgres when a DSN is set, in-memory otherwise
	// (single-instance dev mode).
	var (
		store   auth.Store
		probe   httpapi.ReadyProbe
		pgStore *pg.Store
	)
	if cfg.PostgresDSN != "" {
		pgStore, err = pg.Open(cfg.PostgresDSN)
		if err != nil {
			logger.Fatalf("open postgres: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := pgStore.Migrate(ctx); err != nil {
			cancel()
			logger.Fatalf("migrate: %v", err)
		}
		cancel()
		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		logger.Printf("TASKFLOW_PG_DSN not set, using in-memory credential store")
		store = auth.NewMemoryStore()
	}

	tokens, err := auth.NewService(store, cfg.JWTSecret,
		auth.WithIssuer(cfg.Issuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		logger.Fatalf("auth service: %v", err)
	}
	keys := auth.NewKeyManager(store.APIKeys())

	// Rate limit counters and OAuth state live in Redis when available, so
	// limits and flows hold across replicas.
	var (
		limiter     ratelimit.Limiter
		states      oauth.StateStore
		redisClient *redis.Client
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter = ratelimit.NewRedisLimiter(redisClient)
		states = oauth.NewRedisStateStore(redisClient)
	} else {
		limiter = ratelimit.NewMemoryLimiter()
		states = oauth.NewMemoryStateStore()
	}

	opts := []httpapi.Option{httpapi.WithReadyProbe(probe)}
	if cfg.OAuth.Enabled() {
		provider, err := oauth.NewProvider(oauth.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			AuthURL:      cfg.OAuth.AuthURL,
			TokenURL:     cfg.OAuth.TokenURL,
			UserInfoURL:  cfg.OAuth.UserInfoURL,
			RedirectURL:  cfg.OAuth.RedirectURL,
			Scopes:       cfg.OAuth.Scopes,
		})
		if err != nil {
			logger.Fatalf("oauth provider: %v", err)
		}
		federator, err := oauth.NewFederator(provider, states, store, tokens)
		if err != nil {
			logger.Fatalf("oauth federator: %v", err)
		}
		opts = append(opts, httpapi.WithFederator(federator))
	}

	rules := httpapi.RateRules{
		Login: ratelimit.Rule{
			Limit:    cfg.RateLimit.LoginLimit,
			Window:   cfg.RateLimit.LoginWindow,
			FailMode: ratelimit.FailClosed,
		},
		General: ratelimit.Rule{
			Limit:    cfg.RateLimit.GeneralLimit,
			Window:   cfg.RateLimit.GeneralWindow,
			FailMode: ratelimit.FailOpen,
		},
	}

	api := httpapi.New(tokens, keys, limiter, rules, version, opts...)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Printf("starting taskflow-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Println("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	logger.Println("stopped")
}
