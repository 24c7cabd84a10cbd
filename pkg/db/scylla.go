package db

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gocql/gocql"
)

type Config struct {
	Hosts    []string
	Keyspace string
	// Consistency defaults to Quorum.
	Consistency gocql.Consistency
	Timeout     time.Duration
}

type Session struct {
	*gocql.Session
	Keyspace string
}

// NewSession connects to the cluster. An empty Keyspace connects without
// one, which is how the keyspace itself gets created.
func NewSession(cfg Config) (*Session, error) {
	if len(cfg.Hosts) == 0 {
		return nil, errors.New("db: no scylla hosts configured")
	}
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.Quorum
	if cfg.Consistency != 0 {
		cluster.Consistency = cfg.Consistency
	}
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
		cluster.ConnectTimeout = cfg.Timeout
	}

	// Retry policy
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}

	slog.Info("connected to ScyllaDB cluster", "hosts", cfg.Hosts, "keyspace", cfg.Keyspace)
	return &Session{Session: session, Keyspace: cfg.Keyspace}, nil
}
