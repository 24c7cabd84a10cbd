// Package bootstrap builds the shared pieces of the chat processes from a
// loaded configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mahaj/chatcore/pkg/chat"
	"github.com/mahaj/chatcore/pkg/config"
	"github.com/mahaj/chatcore/pkg/db"
	"github.com/mahaj/chatcore/pkg/fanout"
	"github.com/mahaj/chatcore/pkg/metrics"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store"
	"github.com/redis/go-redis/v9"
)

// OpenStore returns the configured store and a function releasing it.
func OpenStore(cfg *config.Config, log *slog.Logger) (*store.Store, func(), error) {
	if cfg.Store.Backend == "memory" {
		log.Warn("using in-memory store, data is lost on exit")
		return store.NewMemory(), func() {}, nil
	}

	if cfg.Scylla.AutoMigrate {
		if err := Migrate(cfg); err != nil {
			return nil, nil, err
		}
	}
	session, err := db.NewSession(db.Config{Hosts: cfg.Scylla.Hosts, Keyspace: cfg.Scylla.Keyspace})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to scylla: %w", err)
	}
	return store.NewScylla(session), session.Close, nil
}

// Migrate creates the keyspace and the chat tables.
func Migrate(cfg *config.Config) error {
	sys, err := db.NewSession(db.Config{Hosts: cfg.Scylla.Hosts})
	if err != nil {
		return fmt.Errorf("connect to scylla: %w", err)
	}
	err = db.EnsureKeyspace(sys, cfg.Scylla.Keyspace, cfg.Scylla.ReplicationFactor)
	sys.Close()
	if err != nil {
		return err
	}

	session, err := db.NewSession(db.Config{Hosts: cfg.Scylla.Hosts, Keyspace: cfg.Scylla.Keyspace})
	if err != nil {
		return fmt.Errorf("connect to scylla keyspace %s: %w", cfg.Scylla.Keyspace, err)
	}
	defer session.Close()
	return db.Migrate(session)
}

// NewChat builds the chat service with this process's id generator.
func NewChat(cfg *config.Config, st *store.Store, emitter fanout.Emitter, m *metrics.Metrics, log *slog.Logger) (*chat.Service, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, err
	}
	return chat.NewService(chat.Deps{
		Store:   st,
		Emitter: emitter,
		IDs:     node,
		Metrics: m,
		Logger:  log,
		Config: chat.Config{
			MaxContentLength:    cfg.Chat.MaxContentLength,
			HistoryDefaultLimit: cfg.Chat.HistoryDefaultLimit,
			HistoryMaxLimit:     cfg.Chat.HistoryMaxLimit,
		},
	})
}

// OpenRedis connects to Redis. It returns nil without error when no address
// is configured.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Serve runs srv until ctx is done, then shuts it down within timeout.
// drain, when set, runs after the listener closes. Hijacked connections such
// as websockets are not tracked by Shutdown and must be closed there.
func Serve(ctx context.Context, srv *http.Server, timeout time.Duration, log *slog.Logger, drain func()) error {
	errc := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if drain != nil {
		drain()
	}
	if err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// HTTPServer applies the configured timeouts.
func HTTPServer(cfg config.ServerConfig, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      h,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}
