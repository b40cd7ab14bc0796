package domain

import (
	"time"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"

	SenderSelf      = "me"
	SenderAutoReply = "auto-reply"
)

// MessageRecord is one message observed or produced by the gateway,
// both directions share the table.
type MessageRecord struct {
	ID         int64     `json:"id,string" form:"id"`
	TenantId   string    `gorm:"index" json:"tenant_id" form:"tenant_id"`
	ChatId     string    `gorm:"index" json:"chat_id" form:"chat_id"`
	Sender     string    `json:"sender" form:"sender"`
	SenderId   string    `json:"sender_id" form:"sender_id"`
	Text       string    `gorm:"type:text" json:"text" form:"text"`
	Direction  string    `gorm:"index" json:"direction" form:"direction"`
	Timestamp  time.Time `gorm:"index" json:"timestamp" form:"timestamp"`
	UpstreamId string    `gorm:"index" json:"upstream_id" form:"upstream_id"`
	// ReplyToId links a quoted reply to the quoted record, 0 when the
	// quote target was never seen by this gateway.
	ReplyToId    int64     `json:"reply_to_id,string" form:"reply_to_id"`
	QuotedText   string    `gorm:"type:text" json:"quoted_text" form:"quoted_text"`
	QuotedSender string    `json:"quoted_sender" form:"quoted_sender"`
	RawPayload   []byte    `gorm:"type:bytes" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName Specify table name
func (MessageRecord) TableName() string {
	return "wa_message"
}
