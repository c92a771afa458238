// Package db opens the relational store shared by the candle cache and the
// distributed lock, and exposes the store-specific primitives they need.
package db

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	retryInterval = 3 * time.Second
)

// Config holds database connection settings.
type Config struct {
	Driver         string        `yaml:"driver" default:"sqlite" validate:"oneof=postgres sqlite"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	Name           string        `yaml:"name"`
	Host           string        `yaml:"host"`
	Port           string        `yaml:"port" default:"5432"`
	SSLMode        string        `yaml:"sslmode" default:"disable"`
	InstanceName   string        `yaml:"instance_name"` // Cloud SQL instance; takes precedence over Host/Port
	Path           string        `yaml:"path" default:"tradebot.db"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"60s"`
}

// LoadConfigFromEnv reads database settings from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Driver:         envOr("DB_DRIVER", DriverSQLite),
		User:           os.Getenv("DB_USER"),
		Password:       os.Getenv("DB_PASSWORD"),
		Name:           os.Getenv("DB_NAME"),
		Host:           os.Getenv("DB_HOST"),
		Port:           envOr("DB_PORT", "5432"),
		SSLMode:        envOr("DB_SSLMODE", "disable"),
		InstanceName:   os.Getenv("INSTANCE_CONNECTION_NAME"),
		Path:           envOr("DB_PATH", "tradebot.db"),
		ConnectTimeout: 60 * time.Second,
	}
}

// BuildDSN builds a Postgres DSN. A Cloud SQL instance name switches the
// host to the instance's unix socket directory.
func BuildDSN(cfg Config) string {
	if cfg.InstanceName != "" {
		return fmt.Sprintf("host=/cloudsql/%s user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
			cfg.InstanceName, cfg.User, cfg.Password, cfg.Name)
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)
}

// BuildSQLiteDSN builds a SQLite DSN whose transactions begin IMMEDIATE, so a
// transaction holds the database write lock from its first statement.
func BuildSQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
}

// ConnectWithRetry calls opener until it succeeds or timeout elapses.
func ConnectWithRetry(dsn string, timeout time.Duration, opener func(string) (*gorm.DB, error)) (*gorm.DB, error) {
	deadline := time.Now().Add(timeout)
	for attempt := 1; ; attempt++ {
		db, err := opener(dsn)
		if err == nil {
			return db, nil
		}
		if time.Now().Add(retryInterval).After(deadline) {
			return nil, fmt.Errorf("db connect failed after %d attempts: %w", attempt, err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("db connect failed, retrying")
		time.Sleep(retryInterval)
	}
}

// Open connects to the configured database.
func Open(cfg Config) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	var opener func(string) (*gorm.DB, error)
	var dsn string
	switch cfg.Driver {
	case DriverPostgres:
		dsn = BuildDSN(cfg)
		opener = func(dsn string) (*gorm.DB, error) { return gorm.Open(postgres.Open(dsn), gcfg) }
	case DriverSQLite:
		dsn = BuildSQLiteDSN(cfg.Path)
		opener = func(dsn string) (*gorm.DB, error) { return gorm.Open(sqlite.Open(dsn), gcfg) }
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.Driver)
	}
	return ConnectWithRetry(dsn, cfg.ConnectTimeout, opener)
}

// Migrate creates or updates the tables backing the given models.
func Migrate(db *gorm.DB, models ...any) error {
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// ForUpdate returns a query scope that keeps the selected rows exclusively
// held until the surrounding transaction ends. On Postgres this is a
// non-blocking row lock; SQLite transactions opened through BuildSQLiteDSN
// already hold the database write lock, so the scope is a no-op there.
func ForUpdate(db *gorm.DB) func(*gorm.DB) *gorm.DB {
	if db.Dialector.Name() == DriverPostgres {
		return func(tx *gorm.DB) *gorm.DB {
			return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "NOWAIT"})
		}
	}
	return func(tx *gorm.DB) *gorm.DB { return tx }
}

// ForUpdateWait is ForUpdate without NOWAIT: on Postgres the query blocks
// until competing transactions release the rows. Use it where giving up is
// not an option, such as handing a lock ticket back.
func ForUpdateWait(db *gorm.DB) func(*gorm.DB) *gorm.DB {
	if db.Dialector.Name() == DriverPostgres {
		return func(tx *gorm.DB) *gorm.DB {
			return tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
	}
	return func(tx *gorm.DB) *gorm.DB { return tx }
}

// IsLockContention reports whether err means another transaction holds the
// rows or database we tried to lock, as opposed to a connectivity failure.
func IsLockContention(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40001", "40P01": // lock_not_available, serialization_failure, deadlock_detected
			return true
		}
		return false
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
