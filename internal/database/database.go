package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gluk-w/sessiond/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&SessionRecord{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	if err := seedDefaults(); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}
	return nil
}

func seedDefaults() error {
	defaults := map[string]string{
		// Empty means "use the configured image"; operators can pin a
		// different runtime image at runtime without a restart.
		"runtime_image_override": "",
	}

	for key, value := range defaults {
		var count int64
		DB.Model(&Setting{}).Where("key = ?", key).Count(&count)
		if count == 0 {
			if err := DB.Create(&Setting{Key: key, Value: value}).Error; err != nil {
				return fmt.Errorf("seed setting %s: %w", key, err)
			}
		}
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// Settings helpers

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// SessionRecord helpers

func UpsertSessionRecord(rec *SessionRecord) error {
	var existing SessionRecord
	err := DB.Where("tenant_id = ?", rec.TenantID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DB.Create(rec).Error
	}
	if err != nil {
		return err
	}
	return DB.Model(&existing).Updates(map[string]interface{}{
		"container_id": rec.ContainerID,
		"volume_name":  rec.VolumeName,
		"status":       rec.Status,
	}).Error
}

func GetSessionRecord(tenantID string) (*SessionRecord, error) {
	var rec SessionRecord
	if err := DB.Where("tenant_id = ?", tenantID).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func DeleteSessionRecord(tenantID string) error {
	return DB.Where("tenant_id = ?", tenantID).Delete(&SessionRecord{}).Error
}

func ListSessionRecords() ([]SessionRecord, error) {
	var recs []SessionRecord
	if err := DB.Order("tenant_id").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}
