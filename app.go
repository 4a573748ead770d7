package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"ctf-scoring/challenge"
	"ctf-scoring/config"
	"ctf-scoring/database"
	"ctf-scoring/handlers"
	"ctf-scoring/ledger"
	"ctf-scoring/logger"
	"ctf-scoring/middleware"
	"ctf-scoring/scoring"
	"ctf-scoring/submission"
	"ctf-scoring/telemetry"
	"ctf-scoring/verify"

	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

type configPath string

func newApp(path string) *fx.App {
	return fx.New(
		fx.Supply(configPath(path)),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideMeterProvider,
			provideBackend,
			provideLedger,
			provideStore,
			provideFeed,
			provideCoordinator,
			provideRouter,
			provideServer,
		),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Invoke(func(*http.Server) {}),
	)
}

func provideConfig(p configPath) (*config.Config, error) {
	cfg, err := config.Load(string(p))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func provideLogger(lc fx.Lifecycle, cfg *config.Config) (*zap.Logger, error) {
	l, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() { l.Sync() }))
	return l, nil
}

func provideMeterProvider(lc fx.Lifecycle, cfg *config.Config, l *zap.Logger) (*sdkmetric.MeterProvider, error) {
	mp, err := telemetry.Setup(context.Background(), cfg.Telemetry, l)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mp.Shutdown(ctx)
		},
	})
	return mp, nil
}

func provideBackend(lc fx.Lifecycle, cfg *config.Config, l *zap.Logger) (ledger.Backend, error) {
	backend, closeFn, err := openBackend(context.Background(), cfg, l)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			l.Info("closing ledger backend", zap.String("driver", cfg.Ledger.Driver))
			return closeFn()
		},
	})
	return backend, nil
}

// openBackend connects the configured ledger store. The returned function
// releases it.
func openBackend(ctx context.Context, cfg *config.Config, l *zap.Logger) (ledger.Backend, func() error, error) {
	switch cfg.Ledger.Driver {
	case "sql":
		db, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		backend, err := ledger.NewSQLBackend(db, cfg.Database.Driver, l)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		l.Info("ledger using sql", zap.String("database", cfg.Database.Driver))
		return backend, db.Close, nil

	case "redis":
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        []string{cfg.Redis.Addr},
			Username:     cfg.Redis.Username,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  time.Duration(cfg.Redis.DialTimeoutSeconds) * time.Second,
			ReadTimeout:  time.Duration(cfg.Redis.ReadTimeoutSeconds) * time.Second,
			WriteTimeout: time.Duration(cfg.Redis.WriteTimeoutSeconds) * time.Second,
			PoolSize:     cfg.Redis.PoolSize,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("redis ping failed: %w", err)
		}
		l.Info("ledger using redis", zap.String("addr", cfg.Redis.Addr))
		return ledger.NewRedisBackend(rdb, cfg.Redis.KeyPrefix, l), rdb.Close, nil

	case "memory":
		l.Warn("ledger using in-memory store, solves are lost on restart")
		return ledger.NewMemoryBackend(), func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported ledger driver %q", cfg.Ledger.Driver)
	}
}

func provideLedger(backend ledger.Backend, l *zap.Logger) *ledger.Ledger {
	return ledger.New(backend, l)
}

func provideStore(lc fx.Lifecycle, cfg *config.Config, l *zap.Logger) (*challenge.Store, error) {
	store, err := challenge.New(cfg.Challenges.Root, l)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(store.Close))
	return store, nil
}

func provideFeed(lc fx.Lifecycle, cfg *config.Config, l *zap.Logger) *handlers.SolveFeed {
	feed := handlers.NewSolveFeed(l, cfg.Server.AllowedOrigins)
	lc.Append(fx.StopHook(feed.Close))
	return feed
}

func provideCoordinator(
	cfg *config.Config,
	store *challenge.Store,
	lg *ledger.Ledger,
	feed *handlers.SolveFeed,
	mp *sdkmetric.MeterProvider,
	l *zap.Logger,
) *submission.Coordinator {
	return submission.New(store, verify.New(l), scoring.New(cfg.Scoring.BonusPercent), lg, l,
		submission.WithNotifier(feed),
		submission.WithMeter(mp.Meter("ctf-scoring/submission")),
	)
}

func provideRouter(cfg *config.Config, l *zap.Logger, coord *submission.Coordinator, lg *ledger.Ledger, feed *handlers.SolveFeed) http.Handler {
	var store sessions.Store
	if cfg.Auth.SessionKey != "" {
		store = sessions.NewCookieStore([]byte(cfg.Auth.SessionKey))
	} else {
		l.Warn("auth.session_key not set, session cookies are ignored")
	}

	return newRouter(cfg.Server, l, coord, lg, feed, middleware.Auth(middleware.AuthConfig{
		Sessions:    store,
		SessionName: cfg.Auth.SessionName,
		JWTSecret:   []byte(cfg.Auth.JWTSecret),
	}, l))
}

func newRouter(
	cfg config.Server,
	l *zap.Logger,
	coord handlers.Submitter,
	board handlers.Scoreboard,
	feed http.Handler,
	auth func(http.Handler) http.Handler,
) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.Logger(l))

	api := r.PathPrefix("/api").Subrouter()

	// Public API endpoints
	api.HandleFunc("/status", handlers.Status()).Methods("GET")
	api.HandleFunc("/scores", handlers.GetScores(board, l)).Methods("GET")
	api.Handle("/ws/solves", feed).Methods("GET")

	// Protected API endpoints
	protected := api.PathPrefix("/").Subrouter()
	protected.Use(auth)

	protected.HandleFunc("/submit", handlers.SubmitFlag(coord)).Methods("POST")
	protected.HandleFunc("/user", handlers.GetUser(board, l)).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
	})
	return c.Handler(r)
}

func provideServer(lc fx.Lifecycle, cfg *config.Config, h http.Handler, l *zap.Logger) *http.Server {
	srv := &http.Server{
		Handler:      h,
		Addr:         cfg.Server.Addr,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", srv.Addr, err)
			}
			l.Info("HTTP server starting", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					l.Error("HTTP server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			l.Info("HTTP server shutting down")
			return srv.Shutdown(ctx)
		},
	})

	return srv
}
