// Package store provides relational persistence for the copy-trading engine.
//
// It owns the shared tables (traders, trader stats, upstream temp positions)
// and the per-instance tables (mirrored positions, trigger orders, success
// stats, penalties, Kelly-criterion aggregates). Per-instance data lives in
// shared tables keyed by an instance column; each engine loop only writes
// rows of its own instance.
//
// The backing database is selected by DSN prefix: postgres:// connects to
// PostgreSQL, anything else is treated as a SQLite file path.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps the gorm handle. All methods are safe for use from a single
// engine loop; cross-instance sharing is limited to read-mostly tables.
type Store struct {
	db *gorm.DB
}

// Open connects to the database selected by the DSN and migrates the schema.
func Open(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create db dir: %w", mkErr)
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&Trader{}, &TraderStats{}, &TempPosition{},
		&Position{}, &TriggerOrder{},
		&SuccessStat{}, &Penalty{}, &KCStat{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ReplicateInstance copies all mirrored positions and KC stats from one
// instance into another. The destination must be empty; a non-empty
// destination aborts with an error and no writes.
func (s *Store) ReplicateInstance(from, to string) error {
	var posCount, kcCount int64
	if err := s.db.Model(&Position{}).Where("instance = ?", to).Count(&posCount).Error; err != nil {
		return fmt.Errorf("count destination positions: %w", err)
	}
	if err := s.db.Model(&KCStat{}).Where("instance = ?", to).Count(&kcCount).Error; err != nil {
		return fmt.Errorf("count destination kc stats: %w", err)
	}
	if posCount > 0 || kcCount > 0 {
		return fmt.Errorf("instance %q is not empty (%d positions, %d kc rows)", to, posCount, kcCount)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var positions []Position
		if err := tx.Where("instance = ?", from).Find(&positions).Error; err != nil {
			return fmt.Errorf("load source positions: %w", err)
		}
		for i := range positions {
			positions[i].ID = 0
			positions[i].Instance = to
		}
		if len(positions) > 0 {
			if err := tx.Create(&positions).Error; err != nil {
				return fmt.Errorf("copy positions: %w", err)
			}
		}

		var kcs []KCStat
		if err := tx.Where("instance = ?", from).Find(&kcs).Error; err != nil {
			return fmt.Errorf("load source kc stats: %w", err)
		}
		for i := range kcs {
			kcs[i].ID = 0
			kcs[i].Instance = to
		}
		if len(kcs) > 0 {
			if err := tx.Create(&kcs).Error; err != nil {
				return fmt.Errorf("copy kc stats: %w", err)
			}
		}
		return nil
	})
}
