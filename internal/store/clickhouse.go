package store

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/cenkalti/backoff/v4"
)

const (
	defaultDialTimeout      = 10 * time.Second
	defaultMaxExecutionTime = 60
	connectRetryMaxElapsed  = 30 * time.Second
)

// Conn is the subset of the ClickHouse driver the store needs. Tests
// substitute a mock; production passes driver.Conn.
type Conn interface {
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	Exec(ctx context.Context, query string, args ...any) error
	Ping(ctx context.Context) error
}

// ClickHouseOption configures the connection.
type ClickHouseOption func(*clickHouseConfig)

type clickHouseConfig struct {
	addr     string
	database string
	username string
	password string
	secure   bool
	logger   *slog.Logger
}

func WithAddr(addr string) ClickHouseOption {
	return func(c *clickHouseConfig) { c.addr = addr }
}

func WithDatabase(database string) ClickHouseOption {
	return func(c *clickHouseConfig) { c.database = database }
}

func WithUser(username string) ClickHouseOption {
	return func(c *clickHouseConfig) { c.username = username }
}

func WithPassword(password string) ClickHouseOption {
	return func(c *clickHouseConfig) { c.password = password }
}

func WithSecure(secure bool) ClickHouseOption {
	return func(c *clickHouseConfig) { c.secure = secure }
}

func WithLogger(logger *slog.Logger) ClickHouseOption {
	return func(c *clickHouseConfig) { c.logger = logger }
}

// OpenClickHouse opens a native-protocol connection and verifies it with
// a bounded retrying ping, so a server that is still starting up does not
// fail the process immediately.
func OpenClickHouse(ctx context.Context, opts ...ClickHouseOption) (driver.Conn, error) {
	cfg := &clickHouseConfig{
		addr:     "localhost:9000",
		database: "default",
		username: "default",
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	chOpts := &clickhouse.Options{
		Addr: []string{cfg.addr},
		Auth: clickhouse.Auth{
			Database: cfg.database,
			Username: cfg.username,
			Password: cfg.password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": defaultMaxExecutionTime,
		},
		DialTimeout: defaultDialTimeout,
	}
	if cfg.secure {
		chOpts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(chOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectRetryMaxElapsed
	err = backoff.Retry(func() error {
		if err := conn.Ping(ctx); err != nil {
			cfg.logger.Warn("clickhouse ping failed, retrying", "addr", cfg.addr, "error", err)
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse at %s: %w", cfg.addr, err)
	}

	return conn, nil
}
