package domain

import (
	"time"
)

// AutoReplyRule answers inbound direct chats whose text contains
// Keyword (case-insensitive). Rules are evaluated by Sort then ID and
// the first enabled match wins.
type AutoReplyRule struct {
	ID        int64     `json:"id,string" form:"id"`
	TenantId  string    `gorm:"index" json:"tenant_id" form:"tenant_id"`
	Keyword   string    `json:"keyword" form:"keyword"`
	Reply     string    `gorm:"type:text" json:"reply" form:"reply"`
	Enabled   bool      `json:"enabled" form:"enabled"`
	Sort      int       `json:"sort" form:"sort"`
	Remark    string    `json:"remark" form:"remark"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName Specify table name
func (AutoReplyRule) TableName() string {
	return "wa_autoreply"
}
