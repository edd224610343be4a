package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/animus-labs/dqflow/internal/platform/env"
)

// Config carries the storage boundary options. Each field is independently
// overridable through the libpq-style PG* variables.
type Config struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func ConfigFromEnv() (Config, error) {
	port, err := env.Int("PGPORT", 5432)
	if err != nil {
		return Config{}, err
	}
	pingTimeout, err := env.Duration("DATABASE_PING_TIMEOUT", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxOpenConns, err := env.Int("DATABASE_MAX_OPEN_CONNS", 4)
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := env.Int("DATABASE_MAX_IDLE_CONNS", 2)
	if err != nil {
		return Config{}, err
	}
	connMaxLifetime, err := env.Duration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Host:            env.String("PGHOST", "postgres-dbt"),
		Port:            port,
		Database:        env.String("PGDATABASE", "analytics"),
		User:            env.String("PGUSER", "dbt_user"),
		Password:        env.String("PGPASSWORD", "dbt_password"),
		SSLMode:         env.String("PGSSLMODE", "disable"),
		PingTimeout:     pingTimeout,
		MaxOpenConns:    maxOpenConns,
		MaxIdleConns:    maxIdleConns,
		ConnMaxLifetime: connMaxLifetime,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return errors.New("PGHOST is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PGPORT must be in 1..65535, got %d", c.Port)
	}
	if strings.TrimSpace(c.Database) == "" {
		return errors.New("PGDATABASE is required")
	}
	if strings.TrimSpace(c.User) == "" {
		return errors.New("PGUSER is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("DATABASE_PING_TIMEOUT must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("DATABASE_MAX_OPEN_CONNS must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("DATABASE_MAX_IDLE_CONNS must be in 0..DATABASE_MAX_OPEN_CONNS")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("DATABASE_CONN_MAX_LIFETIME must be >= 0")
	}
	return nil
}

// URL renders a postgres:// connection string with credentials escaped.
func (c Config) URL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	if mode := strings.TrimSpace(c.SSLMode); mode != "" {
		u.RawQuery = url.Values{"sslmode": []string{mode}}.Encode()
	}
	return u.String()
}

// LogAttrs returns connection details safe to log.
func (c Config) LogAttrs() []any {
	return []any{"host", c.Host, "port", c.Port, "dbname", c.Database, "user", c.User}
}

// Open returns a pooled handle for short bookkeeping queries.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return db, nil
}

// Connect opens a single dedicated connection. The bulk loader needs the raw
// protocol connection for COPY, which the pooled handle does not expose.
func Connect(ctx context.Context, cfg Config) (*pgx.Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	connCfg, err := pgx.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	conn, err := pgx.ConnectConfig(connectCtx, connCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return conn, nil
}
