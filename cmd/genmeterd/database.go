package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/genmeter/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/genmeter/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/genmeter/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/genmeter/pkg/ledger"
)

const (
	driverPostgres = "postgres"
	driverPgx      = "pgx"
	driverSQLite   = "sqlite"
	driverMemory   = "memory"

	defaultSQLitePath = "genmeter.db"
)

// storeHandle is an opened ledger.Store with its lifecycle hooks.
type storeHandle struct {
	store   ledger.Store
	driver  string
	migrate func(ctx context.Context) error
	close   func()
}

func openStore(ctx context.Context, dsn string) (storeHandle, error) {
	driver, target, err := resolveDriver(dsn)
	if err != nil {
		return storeHandle{}, err
	}
	switch driver {
	case driverMemory:
		return storeHandle{
			store:   memstore.New(),
			driver:  driver,
			migrate: func(context.Context) error { return nil },
			close:   func() {},
		}, nil
	case driverPgx:
		pool, err := pgxpool.New(ctx, target)
		if err != nil {
			return storeHandle{}, fmt.Errorf("pgx pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return storeHandle{}, fmt.Errorf("pgx ping: %w", err)
		}
		store := pgstore.New(pool)
		return storeHandle{store: store, driver: driver, migrate: store.Migrate, close: pool.Close}, nil
	case driverPostgres, driverSQLite:
		database, err := openGorm(driver, target)
		if err != nil {
			return storeHandle{}, err
		}
		sqlDB, err := database.DB()
		if err != nil {
			return storeHandle{}, err
		}
		if driver == driverSQLite {
			sqlDB.SetMaxOpenConns(1)
		}
		return storeHandle{
			store:   gormstore.New(database),
			driver:  driver,
			migrate: func(ctx context.Context) error { return gormstore.Migrate(ctx, database) },
			close:   func() { _ = sqlDB.Close() },
		}, nil
	default:
		return storeHandle{}, fmt.Errorf("unsupported database scheme %q", driver)
	}
}

func openGorm(driver string, target string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Discard}
	switch driver {
	case driverPostgres:
		return gorm.Open(postgres.Open(target), cfg)
	default:
		return gorm.Open(sqlite.Open(target), cfg)
	}
}

// resolveDriver maps a database url onto a driver and the string handed to it.
func resolveDriver(dsn string) (string, string, error) {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(trimmed, "memory://"):
		return driverMemory, "", nil
	case strings.HasPrefix(trimmed, "pgx://"):
		return driverPgx, "postgres://" + strings.TrimPrefix(trimmed, "pgx://"), nil
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		return driverPostgres, trimmed, nil
	case strings.HasPrefix(trimmed, "sqlite://"):
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Host + parsed.Path
		if path == "" || path == "/" {
			path = defaultSQLitePath
		}
		sqlitePath, err := normalizeSQLitePath(path)
		if err != nil {
			return "", "", err
		}
		if parsed.RawQuery != "" {
			sqlitePath += "?" + parsed.RawQuery
		}
		return driverSQLite, sqlitePath, nil
	case trimmed == "":
		return "", "", fmt.Errorf("database url is required")
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(trimmed)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
