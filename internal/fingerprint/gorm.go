package fingerprint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Entry is one delivered conversation hash.
type Entry struct {
	ContentHash string    `gorm:"primaryKey;size:64"`
	RecordedAt  time.Time `gorm:"not null"`
}

// TableName keeps the table shared with the postgres backend.
func (Entry) TableName() string { return "ingest_fingerprints" }

// Gorm is an index stored through GORM, either in a local SQLite file or in
// a MySQL database.
type Gorm struct {
	db *gorm.DB
}

// OpenGorm connects to driver ("sqlite" or "mysql") at dsn and migrates the table.
func OpenGorm(driver, dsn string) (*Gorm, error) {
	if dsn == "" {
		return nil, fmt.Errorf("fingerprint: %s dsn is required", driver)
	}

	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		if dir := filepath.Dir(dsn); dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("fingerprint: create %s: %w", dir, err)
			}
		}
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("fingerprint: unsupported gorm driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("fingerprint: connect %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// SQLite allows one writer; a single connection also keeps ":memory:" databases shared.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("fingerprint: sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return NewGorm(db)
}

// NewGorm wraps an open GORM connection and migrates the table.
func NewGorm(db *gorm.DB) (*Gorm, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("fingerprint: auto-migrate: %w", err)
	}
	return &Gorm{db: db}, nil
}

func (g *Gorm) Exists(ctx context.Context, hash string) (bool, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&Entry{}).Where("content_hash = ?", hash).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("fingerprint: lookup %s: %w", hash, err)
	}
	return n > 0, nil
}

func (g *Gorm) Record(ctx context.Context, hash string) error {
	entry := Entry{ContentHash: hash, RecordedAt: time.Now().UTC()}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("fingerprint: record %s: %w", hash, err)
	}
	return nil
}

func (g *Gorm) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := g.db.WithContext(ctx).Model(&Entry{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("fingerprint: count: %w", err)
	}
	return n, nil
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
