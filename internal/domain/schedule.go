package domain

import (
	"time"
)

const (
	JobPending   = "pending"
	JobSent      = "sent"
	JobFailed    = "failed"
	JobCancelled = "cancelled"

	JobKindText        = "text"
	JobKindInteractive = "interactive"
)

// ScheduledJob is a message queued for future delivery. Status moves
// pending -> sent | failed | cancelled; the three end states are terminal.
type ScheduledJob struct {
	ID          int64  `json:"id,string" form:"id"`
	TenantId    string `gorm:"index" json:"tenant_id" form:"tenant_id"`
	Destination string `json:"destination" form:"destination"`
	Payload     string `gorm:"type:text" json:"payload" form:"payload"`
	// Kind is text or interactive; interactive jobs carry their
	// structured content as JSON in InteractiveData.
	Kind            string     `json:"kind" form:"kind"`
	InteractiveData string     `gorm:"type:text" json:"interactive_data" form:"interactive_data"`
	DueAt           time.Time  `gorm:"index" json:"due_at" form:"due_at"`
	Status          string     `gorm:"index" json:"status" form:"status"`
	SentAt          *time.Time `json:"sent_at"`
	DeliveredId     string     `json:"delivered_id"`
	LastError       string     `json:"last_error"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName Specify table name
func (ScheduledJob) TableName() string {
	return "wa_schedule"
}

// JobStatistics summarizes a tenant's scheduled jobs per status.
type JobStatistics struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}
