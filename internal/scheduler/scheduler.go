// Package scheduler delivers messages whose due time has passed. Jobs
// are plain DB rows polled on an interval; dispatch is sequential so a
// tenant's messages leave in order.
package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/Faiqzakii/wa-gateway/internal/domain"
	"github.com/Faiqzakii/wa-gateway/internal/session"
	"github.com/Faiqzakii/wa-gateway/pkg/common"
	"github.com/Faiqzakii/wa-gateway/pkg/metrics"
	"github.com/araddon/dateparse"
	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	PollInterval = 30 * time.Second
	BatchSize    = 50
)

var (
	ErrNotFound   = errors.New("scheduled job not found")
	ErrValidation = errors.New("invalid scheduled job")
)

// Sender is the delivery capability the scheduler needs; the session
// registry implements it.
type Sender interface {
	Send(ctx context.Context, tenantID, dest, text string, replyToID int64) (*session.DeliveryResult, error)
	SendInteractive(ctx context.Context, tenantID, dest string, content session.InteractiveContent) (*session.DeliveryResult, error)
}

type Scheduler struct {
	db       *gorm.DB
	sender   Sender
	interval time.Duration
	stop     chan struct{}
	started  bool
	stopped  bool
}

func NewScheduler(db *gorm.DB, sender Sender) *Scheduler {
	return &Scheduler{
		db:       db,
		sender:   sender,
		interval: PollInterval,
		stop:     make(chan struct{}),
	}
}

// Start launches the polling loop with one immediate pass. Calling it
// twice is a no-op.
func (s *Scheduler) Start() {
	if s.started {
		return
	}
	s.started = true
	zap.L().Info("scheduler: started", zap.Duration("interval", s.interval))
	go func() {
		s.ProcessPending()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.ProcessPending()
			}
		}
	}()
}

// Stop halts the polling loop. Idempotent.
func (s *Scheduler) Stop() {
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stop)
	zap.L().Info("scheduler: stopped")
}

// ProcessPending dispatches one batch of due jobs, oldest first.
func (s *Scheduler) ProcessPending() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	var jobs []domain.ScheduledJob
	err := s.db.Where("status = ? and due_at <= ?", domain.JobPending, time.Now()).
		Order("due_at").
		Limit(BatchSize).
		Find(&jobs).Error
	if err != nil {
		zap.L().Error("scheduler: fetch pending failed", zap.Error(err))
		return
	}
	if len(jobs) == 0 {
		return
	}
	zap.L().Info("scheduler: processing batch", zap.Int("jobs", len(jobs)))

	for i := range jobs {
		s.dispatch(&jobs[i])
	}
}

func (s *Scheduler) dispatch(job *domain.ScheduledJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var res *session.DeliveryResult
	var err error
	switch job.Kind {
	case domain.JobKindInteractive:
		var content session.InteractiveContent
		if derr := decodeInteractive(job.InteractiveData, &content); derr != nil {
			err = derr
			break
		}
		res, err = s.sender.SendInteractive(ctx, job.TenantId, job.Destination, content)
	case domain.JobKindText, "":
		res, err = s.sender.Send(ctx, job.TenantId, job.Destination, job.Payload, 0)
	default:
		// rows written past the API's validation must not leave as text
		err = errors.Wrapf(ErrValidation, "unknown kind %q", job.Kind)
	}

	if err != nil {
		zap.L().Warn("scheduler: job failed",
			zap.Int64("job", job.ID),
			zap.String("tenant", job.TenantId),
			zap.Error(err))
		metrics.IncrCounter("schedule_failed", 1)
		s.db.Model(&domain.ScheduledJob{}).Where("id = ? and status = ?", job.ID, domain.JobPending).
			Updates(map[string]interface{}{
				"status":     domain.JobFailed,
				"last_error": err.Error(),
			})
		return
	}

	now := time.Now()
	metrics.IncrCounter("schedule_sent", 1)
	s.db.Model(&domain.ScheduledJob{}).Where("id = ? and status = ?", job.ID, domain.JobPending).
		Updates(map[string]interface{}{
			"status":       domain.JobSent,
			"sent_at":      now,
			"delivered_id": res.UpstreamID,
			"last_error":   "",
		})
}

// decodeInteractive parses the job's stored JSON into the structured
// content via mapstructure, so unknown fields are tolerated.
func decodeInteractive(data string, out *session.InteractiveContent) error {
	if strings.TrimSpace(data) == "" {
		return errors.Wrap(ErrValidation, "interactive job has no content")
	}
	var raw map[string]interface{}
	if err := jsoniter.UnmarshalFromString(data, &raw); err != nil {
		return errors.Wrap(ErrValidation, err.Error())
	}
	return mapstructure.Decode(raw, out)
}

// CreateJobInput is the payload for scheduling a message.
type CreateJobInput struct {
	Destination     string `json:"to" form:"to"`
	Payload         string `json:"message" form:"message"`
	DueAt           string `json:"due_at" form:"due_at"`
	Kind            string `json:"kind" form:"kind"`
	InteractiveData string `json:"interactive_data" form:"interactive_data"`
}

// CreateJob validates and stores a pending job. DueAt accepts RFC3339
// and the other layouts dateparse understands, and must be in the future.
func (s *Scheduler) CreateJob(tenantID string, input CreateJobInput) (*domain.ScheduledJob, error) {
	if tenantID == "" || input.Destination == "" || input.Payload == "" || input.DueAt == "" {
		return nil, errors.Wrap(ErrValidation, "to, message and due_at are required")
	}
	dueAt, err := dateparse.ParseAny(input.DueAt)
	if err != nil {
		return nil, errors.Wrap(ErrValidation, "unparseable due_at")
	}
	if !dueAt.After(time.Now()) {
		return nil, errors.Wrap(ErrValidation, "due_at must be in the future")
	}

	kind := input.Kind
	if kind == "" {
		kind = domain.JobKindText
	}
	if kind != domain.JobKindText && kind != domain.JobKindInteractive {
		return nil, errors.Wrapf(ErrValidation, "unknown kind %q", kind)
	}
	if kind == domain.JobKindInteractive {
		var content session.InteractiveContent
		if err := decodeInteractive(input.InteractiveData, &content); err != nil {
			return nil, err
		}
	}

	job := &domain.ScheduledJob{
		ID:              common.UUIDint64(),
		TenantId:        tenantID,
		Destination:     input.Destination,
		Payload:         input.Payload,
		Kind:            kind,
		InteractiveData: input.InteractiveData,
		DueAt:           dueAt,
		Status:          domain.JobPending,
	}
	if err := s.db.Create(job).Error; err != nil {
		return nil, err
	}
	zap.L().Info("scheduler: job created",
		zap.Int64("job", job.ID),
		zap.String("tenant", tenantID),
		zap.Time("due_at", dueAt))
	return job, nil
}

// Cancel marks a pending job cancelled. Jobs in a terminal state are
// reported as not found so cancellation can never resurrect them.
func (s *Scheduler) Cancel(tenantID string, id int64) error {
	res := s.db.Model(&domain.ScheduledJob{}).
		Where("id = ? and tenant_id = ? and status = ?", id, tenantID, domain.JobPending).
		Update("status", domain.JobCancelled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a job regardless of status.
func (s *Scheduler) Delete(tenantID string, id int64) error {
	res := s.db.Where("id = ? and tenant_id = ?", id, tenantID).Delete(&domain.ScheduledJob{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns the tenant's jobs, optionally filtered by status.
func (s *Scheduler) List(tenantID, status string, limit int) ([]domain.ScheduledJob, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := s.db.Where("tenant_id = ?", tenantID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var jobs []domain.ScheduledJob
	err := query.Order("due_at DESC").Limit(limit).Find(&jobs).Error
	return jobs, err
}

// Statistics summarizes the tenant's jobs per status.
func (s *Scheduler) Statistics(tenantID string) (*domain.JobStatistics, error) {
	type row struct {
		Status string
		Total  int64
	}
	var rows []row
	err := s.db.Model(&domain.ScheduledJob{}).
		Select("status, COUNT(*) as total").
		Where("tenant_id = ?", tenantID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	stats := &domain.JobStatistics{}
	for _, r := range rows {
		stats.Total += r.Total
		switch r.Status {
		case domain.JobPending:
			stats.Pending = r.Total
		case domain.JobSent:
			stats.Sent = r.Total
		case domain.JobFailed:
			stats.Failed = r.Total
		case domain.JobCancelled:
			stats.Cancelled = r.Total
		}
	}
	return stats, nil
}
