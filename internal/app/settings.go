package app

import (
	"sync"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/Faiqzakii/wa-gateway/internal/domain"
	"github.com/Faiqzakii/wa-gateway/pkg/common"
)

// ConfigManager caches sys_config rows for a short TTL so settings
// reads stay off the hot path.
type ConfigManager struct {
	app *Application

	mu       sync.RWMutex
	cache    map[string]string
	loadedAt time.Time
	ttl      time.Duration
}

func NewConfigManager(a *Application) *ConfigManager {
	return &ConfigManager{
		app:   a,
		cache: make(map[string]string),
		ttl:   30 * time.Second,
	}
}

func settingsKey(category, name string) string {
	return category + "/" + name
}

func (m *ConfigManager) reloadIfStale() {
	m.mu.RLock()
	fresh := time.Since(m.loadedAt) < m.ttl
	m.mu.RUnlock()
	if fresh {
		return
	}

	var rows []domain.SysConfig
	if err := m.app.gormDB.Find(&rows).Error; err != nil {
		zap.L().Warn("settings: reload failed", zap.Error(err))
		return
	}
	cache := make(map[string]string, len(rows))
	for _, row := range rows {
		cache[settingsKey(row.Type, row.Name)] = row.Value
	}

	m.mu.Lock()
	m.cache = cache
	m.loadedAt = time.Now()
	m.mu.Unlock()
}

func (m *ConfigManager) GetString(category, name string) string {
	m.reloadIfStale()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache[settingsKey(category, name)]
}

func (m *ConfigManager) GetInt64(category, name string) int64 {
	return cast.ToInt64(m.GetString(category, name))
}

func (m *ConfigManager) GetInt(category, name string) int {
	return cast.ToInt(m.GetString(category, name))
}

func (m *ConfigManager) GetBool(category, name string) bool {
	return cast.ToBool(m.GetString(category, name))
}

// Set upserts one settings value and refreshes the cache entry.
func (m *ConfigManager) Set(category, name, value string) error {
	var cfg domain.SysConfig
	err := m.app.gormDB.Where("type = ? and name = ?", category, name).First(&cfg).Error
	if err != nil {
		err = m.app.gormDB.Create(&domain.SysConfig{
			ID:    common.UUIDint64(),
			Type:  category,
			Name:  name,
			Value: value,
		}).Error
	} else {
		err = m.app.gormDB.Model(&domain.SysConfig{}).
			Where("id = ?", cfg.ID).
			Update("value", value).Error
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.cache[settingsKey(category, name)] = value
	m.mu.Unlock()
	return nil
}
