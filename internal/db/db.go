// Package db opens the run-history database. SQLite (pure Go, modernc) and
// PostgreSQL are supported; the schema is embedded and migrated on open.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// registers the "sqlite" database/sql driver
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrUnsupportedDriver is returned for a driver other than sqlite or postgres.
var ErrUnsupportedDriver = errors.New("db: unsupported driver")

// Config selects and tunes the database.
type Config struct {
	// Driver is DriverSQLite (default) or DriverPostgres.
	Driver string
	DSN    string
	Logger *zap.Logger
	// LogLevel is the gorm log level; zero means Warn.
	LogLevel gormlogger.LogLevel
	// SkipMigrations opens the database without touching the schema.
	SkipMigrations bool
}

// Open connects to the database and applies pending migrations.
func Open(cfg Config) (*gorm.DB, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("db")
	gormCfg := &gorm.Config{Logger: newGormLogger(log, cfg.LogLevel)}

	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
		err      error
	)
	switch driver {
	case DriverSQLite:
		// gorm must reuse the modernc connection rather than dial go-sqlite3
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("db: open sqlite: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		database, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("db: gorm sqlite: %w", err)
		}
	case DriverPostgres:
		database, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("db: open postgres: %w", err)
		}
		if sqlDB, err = database.DB(); err != nil {
			return nil, fmt.Errorf("db: postgres handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(2)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	if !cfg.SkipMigrations {
		if err := Migrate(sqlDB, driver, log); err != nil {
			sqlDB.Close()
			return nil, err
		}
	}
	return database, nil
}

// Close releases the underlying connection pool.
func Close(database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database answers.
func Ping(ctx context.Context, database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("db: handle: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Migrate applies every pending up migration. An up-to-date schema is not an
// error.
func Migrate(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("db: migration source: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case DriverSQLite:
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("db: sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, DriverSQLite, drv)
		if err != nil {
			return fmt.Errorf("db: migrator: %w", err)
		}
	case DriverPostgres:
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("db: postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, DriverPostgres, drv)
		if err != nil {
			return fmt.Errorf("db: migrator: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("db: migrate up: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("db: migration version: %w", err)
	}
	log.Info("schema up to date", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}
