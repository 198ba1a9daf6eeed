package storage

import (
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lprewards/services/rewardd/models"
)

// ErrPathRequired is returned when the backing store DSN is missing.
var ErrPathRequired = errors.New("rewardd storage dsn must be configured")

const defaultFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// Store wraps the rewardd persistence layer.
type Store struct {
	db *gorm.DB
}

// Open initialises the backing store. DSNs beginning with postgres:// use the
// Postgres driver; anything else is treated as a SQLite path or DSN.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		if !strings.HasPrefix(trimmed, "file:") && trimmed != ":memory:" {
			abs, err := filepath.Abs(trimmed)
			if err != nil {
				return nil, fmt.Errorf("resolve storage path: %w", err)
			}
			trimmed = fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas)
		}
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := models.Migrate(db); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for middleware that shares the store.
func (s *Store) DB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func parseBigInt(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("malformed integer %q", raw)
	}
	return v, nil
}

func parseBigRat(raw string) (*big.Rat, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(big.Rat), nil
	}
	v, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("malformed rational %q", raw)
	}
	return v, nil
}

func formatBigInt(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatBigRat(v *big.Rat) string {
	if v == nil {
		return "0"
	}
	return v.RatString()
}
