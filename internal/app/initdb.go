package app

import (
	"go.uber.org/zap"

	"github.com/Faiqzakii/wa-gateway/internal/domain"
	"github.com/Faiqzakii/wa-gateway/pkg/common"
)

type settingsSchema struct {
	Category    string
	Name        string
	Default     string
	Description string
}

var defaultSettings = []settingsSchema{
	{"webhook", "toggle_connection", "true", "Deliver connection status changes to the webhook"},
	{"webhook", "toggle_message_in", "true", "Deliver inbound messages to the webhook"},
	{"webhook", "toggle_message_out", "true", "Deliver outbound messages to the webhook"},
	{"autoreply", "enabled", "true", "Master switch for keyword auto-replies"},
	{"system", "message_history_days", "90", "Days of message history to keep"},
}

// checkSettings seeds missing settings rows with their defaults.
func (a *Application) checkSettings() {
	for sortid, schema := range defaultSettings {
		var count int64
		a.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", schema.Category, schema.Name).
			Count(&count)

		if count == 0 {
			a.gormDB.Create(&domain.SysConfig{
				ID:     common.UUIDint64(),
				Sort:   sortid,
				Type:   schema.Category,
				Name:   schema.Name,
				Value:  schema.Default,
				Remark: schema.Description,
			})
			zap.L().Info("initialized config",
				zap.String("key", schema.Category+"."+schema.Name),
				zap.String("default", schema.Default))
		}
	}
}
