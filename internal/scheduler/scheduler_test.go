package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Faiqzakii/wa-gateway/internal/domain"
	"github.com/Faiqzakii/wa-gateway/internal/session"
	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatal(err)
	}
	return db
}

type sendCall struct {
	tenant string
	dest   string
	text   string
}

type fakeSender struct {
	mu          sync.Mutex
	calls       []sendCall
	interactive []session.InteractiveContent
	err         error
}

func (f *fakeSender) Send(_ context.Context, tenantID, dest, text string, _ int64) (*session.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, sendCall{tenant: tenantID, dest: dest, text: text})
	return &session.DeliveryResult{UpstreamID: fmt.Sprintf("UP-%d", len(f.calls)), Timestamp: time.Now()}, nil
}

func (f *fakeSender) SendInteractive(_ context.Context, tenantID, dest string, content session.InteractiveContent) (*session.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, sendCall{tenant: tenantID, dest: dest, text: content.Text})
	f.interactive = append(f.interactive, content)
	return &session.DeliveryResult{UpstreamID: "UP-I", Timestamp: time.Now()}, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func seedJob(t *testing.T, db *gorm.DB, tenant string, due time.Time, status string) domain.ScheduledJob {
	t.Helper()
	job := domain.ScheduledJob{
		TenantId:    tenant,
		Destination: "628111",
		Payload:     "scheduled text",
		Kind:        domain.JobKindText,
		DueAt:       due,
		Status:      status,
	}
	if err := db.Create(&job).Error; err != nil {
		t.Fatal(err)
	}
	return job
}

func TestCreateJobValidation(t *testing.T) {
	s := NewScheduler(testDB(t), &fakeSender{})

	cases := []CreateJobInput{
		{},
		{Destination: "628111", Payload: "hi"},
		{Destination: "628111", Payload: "hi", DueAt: "not a date"},
		{Destination: "628111", Payload: "hi", DueAt: time.Now().Add(-time.Hour).Format(time.RFC3339)},
		{Destination: "628111", Payload: "hi", DueAt: time.Now().Add(time.Hour).Format(time.RFC3339), Kind: "video"},
		{Destination: "628111", Payload: "hi", DueAt: time.Now().Add(time.Hour).Format(time.RFC3339), Kind: "interactive"},
	}
	for i, input := range cases {
		if _, err := s.CreateJob("tenant-a", input); !errors.Is(err, ErrValidation) {
			t.Errorf("case %d: expected ErrValidation, got %v", i, err)
		}
	}

	job, err := s.CreateJob("tenant-a", CreateJobInput{
		Destination: "628111",
		Payload:     "hi",
		DueAt:       time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobPending || job.Kind != domain.JobKindText {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestProcessPendingMarksSent(t *testing.T) {
	db := testDB(t)
	sender := &fakeSender{}
	s := NewScheduler(db, sender)

	due := seedJob(t, db, "tenant-a", time.Now().Add(-time.Minute), domain.JobPending)
	seedJob(t, db, "tenant-a", time.Now().Add(time.Hour), domain.JobPending)

	s.ProcessPending()

	if sender.callCount() != 1 {
		t.Fatalf("expected one send, got %d", sender.callCount())
	}

	var got domain.ScheduledJob
	if err := db.First(&got, due.ID).Error; err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobSent || got.SentAt == nil || got.DeliveredId == "" {
		t.Fatalf("job not marked sent: %+v", got)
	}

	// terminal jobs are never reprocessed
	s.ProcessPending()
	if sender.callCount() != 1 {
		t.Fatalf("sent job dispatched again, %d calls", sender.callCount())
	}
}

func TestProcessPendingMarksFailed(t *testing.T) {
	db := testDB(t)
	sender := &fakeSender{err: errors.New("socket gone")}
	s := NewScheduler(db, sender)

	job := seedJob(t, db, "tenant-a", time.Now().Add(-time.Minute), domain.JobPending)
	s.ProcessPending()

	var got domain.ScheduledJob
	if err := db.First(&got, job.ID).Error; err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobFailed || got.LastError == "" {
		t.Fatalf("job not marked failed: %+v", got)
	}

	// failed is terminal, no retry on the next pass
	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()
	s.ProcessPending()
	if sender.callCount() != 0 {
		t.Fatal("failed job was retried")
	}
}

func TestUnknownKindMarksFailed(t *testing.T) {
	db := testDB(t)
	sender := &fakeSender{}
	s := NewScheduler(db, sender)

	// written behind the API's back, must never leave as plain text
	job := domain.ScheduledJob{
		TenantId:    "tenant-a",
		Destination: "628111",
		Payload:     "payload",
		Kind:        "video",
		DueAt:       time.Now().Add(-time.Minute),
		Status:      domain.JobPending,
	}
	if err := db.Create(&job).Error; err != nil {
		t.Fatal(err)
	}

	s.ProcessPending()

	if sender.callCount() != 0 {
		t.Fatalf("unknown kind was dispatched, %d calls", sender.callCount())
	}
	var got domain.ScheduledJob
	if err := db.First(&got, job.ID).Error; err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobFailed || got.LastError == "" {
		t.Fatalf("job not marked failed: %+v", got)
	}
}

func TestInteractiveDispatch(t *testing.T) {
	db := testDB(t)
	sender := &fakeSender{}
	s := NewScheduler(db, sender)

	job := domain.ScheduledJob{
		TenantId:        "tenant-a",
		Destination:     "628111",
		Payload:         "fallback",
		Kind:            domain.JobKindInteractive,
		InteractiveData: `{"text":"pick one","footer":"f","buttons":[{"id":"b1","title":"Yes"},{"id":"b2","title":"No"}]}`,
		DueAt:           time.Now().Add(-time.Minute),
		Status:          domain.JobPending,
	}
	if err := db.Create(&job).Error; err != nil {
		t.Fatal(err)
	}

	s.ProcessPending()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.interactive) != 1 {
		t.Fatalf("expected interactive send, calls=%+v", sender.calls)
	}
	content := sender.interactive[0]
	if content.Text != "pick one" || len(content.Buttons) != 2 || content.Buttons[0].Title != "Yes" {
		t.Fatalf("interactive content mangled: %+v", content)
	}
}

func TestCancelSemantics(t *testing.T) {
	db := testDB(t)
	s := NewScheduler(db, &fakeSender{})

	pending := seedJob(t, db, "tenant-a", time.Now().Add(time.Hour), domain.JobPending)
	sent := seedJob(t, db, "tenant-a", time.Now().Add(-time.Hour), domain.JobSent)

	if err := s.Cancel("tenant-a", pending.ID); err != nil {
		t.Fatal(err)
	}
	var got domain.ScheduledJob
	_ = db.First(&got, pending.ID).Error
	if got.Status != domain.JobCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	if err := s.Cancel("tenant-a", sent.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancelling a sent job must be NotFound, got %v", err)
	}
	if err := s.Cancel("tenant-b", pending.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel must be tenant scoped, got %v", err)
	}
	if err := s.Cancel("tenant-a", 424242); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected NotFound for unknown id, got %v", err)
	}
}

func TestDeleteAndList(t *testing.T) {
	db := testDB(t)
	s := NewScheduler(db, &fakeSender{})

	job := seedJob(t, db, "tenant-a", time.Now().Add(time.Hour), domain.JobPending)
	seedJob(t, db, "tenant-a", time.Now().Add(-time.Hour), domain.JobSent)

	jobs, err := s.List("tenant-a", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	jobs, _ = s.List("tenant-a", domain.JobPending, 0)
	if len(jobs) != 1 {
		t.Fatalf("status filter broken, got %d", len(jobs))
	}

	if err := s.Delete("tenant-a", job.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("tenant-a", job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected NotFound on double delete, got %v", err)
	}
}

func TestStatistics(t *testing.T) {
	db := testDB(t)
	s := NewScheduler(db, &fakeSender{})

	seedJob(t, db, "tenant-a", time.Now().Add(time.Hour), domain.JobPending)
	seedJob(t, db, "tenant-a", time.Now(), domain.JobSent)
	seedJob(t, db, "tenant-a", time.Now(), domain.JobSent)
	seedJob(t, db, "tenant-a", time.Now(), domain.JobFailed)
	seedJob(t, db, "tenant-a", time.Now(), domain.JobCancelled)
	seedJob(t, db, "tenant-b", time.Now(), domain.JobPending)

	stats, err := s.Statistics("tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	want := domain.JobStatistics{Total: 5, Pending: 1, Sent: 2, Failed: 1, Cancelled: 1}
	if *stats != want {
		t.Fatalf("got %+v want %+v", *stats, want)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s := NewScheduler(testDB(t), &fakeSender{})
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}
