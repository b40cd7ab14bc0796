// Package recorder persists message traffic and answers matching
// inbound chats with auto-reply rules.
package recorder

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Faiqzakii/wa-gateway/internal/domain"
	"github.com/Faiqzakii/wa-gateway/internal/session"
	"github.com/Faiqzakii/wa-gateway/pkg/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SettingsReader reads runtime toggles from the settings manager.
type SettingsReader interface {
	GetSettingsStringValue(category, key string) string
}

type Recorder struct {
	db       *gorm.DB
	hub      session.Broadcaster
	notifier session.Notifier
	settings SettingsReader

	mu    sync.RWMutex
	rules map[string][]domain.AutoReplyRule
}

var _ session.MessageSink = (*Recorder)(nil)

func NewRecorder(db *gorm.DB, hub session.Broadcaster, notifier session.Notifier, settings SettingsReader) *Recorder {
	r := &Recorder{
		db:       db,
		hub:      hub,
		notifier: notifier,
		settings: settings,
		rules:    make(map[string][]domain.AutoReplyRule),
	}
	r.ReloadRules()
	return r
}

// ReloadRules refreshes the in-memory auto-reply rule cache. Called on
// startup, on rule mutations and periodically by the cron job.
func (r *Recorder) ReloadRules() {
	var rules []domain.AutoReplyRule
	if err := r.db.Where("enabled = ?", true).Order("sort, id").Find(&rules).Error; err != nil {
		zap.L().Warn("recorder: reload autoreply rules failed", zap.Error(err))
		return
	}
	byTenant := make(map[string][]domain.AutoReplyRule)
	for _, rule := range rules {
		byTenant[rule.TenantId] = append(byTenant[rule.TenantId], rule)
	}
	r.mu.Lock()
	r.rules = byTenant
	r.mu.Unlock()
}

// matchRule returns the first enabled rule whose keyword is a
// case-insensitive substring of text.
func (r *Recorder) matchRule(tenantID, text string) *domain.AutoReplyRule {
	lower := strings.ToLower(text)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.rules[tenantID] {
		rule := &r.rules[tenantID][i]
		if rule.Keyword != "" && strings.Contains(lower, strings.ToLower(rule.Keyword)) {
			return rule
		}
	}
	return nil
}

func (r *Recorder) autoReplyEnabled() bool {
	if r.settings == nil {
		return true
	}
	return r.settings.GetSettingsStringValue("autoreply", "enabled") != "false"
}

// InboundReceived persists an inbound message, broadcasts it and fires
// the auto-reply path for direct chats.
func (r *Recorder) InboundReceived(tenantID string, conn session.Conn, evt session.MessageEvent) {
	rec := domain.MessageRecord{
		ID:         common.UUIDint64(),
		TenantId:   tenantID,
		ChatId:     evt.ChatID,
		Sender:     common.IfEmptyStr(evt.PushName, evt.SenderID),
		SenderId:   evt.SenderID,
		Text:       evt.Text,
		Direction:  domain.DirectionIn,
		Timestamp:  evt.Timestamp,
		UpstreamId: evt.UpstreamID,
		RawPayload: evt.Raw,
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	if evt.QuotedUpstreamID != "" {
		// link the quote when the quoted message passed through us
		var quoted domain.MessageRecord
		err := r.db.Where("tenant_id = ? and upstream_id = ?", tenantID, evt.QuotedUpstreamID).First(&quoted).Error
		if err == nil {
			rec.ReplyToId = quoted.ID
			rec.QuotedText = quoted.Text
			rec.QuotedSender = quoted.SenderId
		} else {
			rec.QuotedText = evt.QuotedText
			rec.QuotedSender = evt.QuotedSender
		}
	}

	if err := r.db.Create(&rec).Error; err != nil {
		zap.L().Error("recorder: save inbound failed", zap.String("tenant", tenantID), zap.Error(err))
		return
	}

	if r.hub != nil {
		r.hub.Publish(tenantID, "new_message", rec)
	}
	if r.notifier != nil {
		r.notifier.Send("message.in", rec)
	}

	r.maybeAutoReply(tenantID, conn, evt)
}

func (r *Recorder) maybeAutoReply(tenantID string, conn session.Conn, evt session.MessageEvent) {
	if evt.Group || evt.Text == "" || !r.autoReplyEnabled() {
		return
	}
	rule := r.matchRule(tenantID, evt.Text)
	if rule == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := conn.Send(ctx, evt.ChatID, rule.Reply, nil)
	if err != nil {
		zap.L().Warn("recorder: auto-reply send failed",
			zap.String("tenant", tenantID),
			zap.String("keyword", rule.Keyword),
			zap.Error(err))
		return
	}
	zap.L().Info("recorder: auto-reply sent",
		zap.String("tenant", tenantID),
		zap.String("keyword", rule.Keyword))

	out := session.OutboundMessage{
		ChatID:     evt.ChatID,
		Sender:     domain.SenderAutoReply,
		SenderID:   conn.SelfID(),
		Text:       rule.Reply,
		UpstreamID: res.UpstreamID,
		Timestamp:  res.Timestamp,
	}
	r.OutboundSent(tenantID, out)
}

// OutboundSent persists a message the gateway just delivered.
func (r *Recorder) OutboundSent(tenantID string, msg session.OutboundMessage) {
	rec := domain.MessageRecord{
		ID:           common.UUIDint64(),
		TenantId:     tenantID,
		ChatId:       msg.ChatID,
		Sender:       common.IfEmptyStr(msg.Sender, domain.SenderSelf),
		SenderId:     msg.SenderID,
		Text:         msg.Text,
		Direction:    domain.DirectionOut,
		Timestamp:    msg.Timestamp,
		UpstreamId:   msg.UpstreamID,
		ReplyToId:    msg.ReplyToID,
		QuotedText:   msg.QuotedText,
		QuotedSender: msg.QuotedSender,
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if err := r.db.Create(&rec).Error; err != nil {
		zap.L().Error("recorder: save outbound failed", zap.String("tenant", tenantID), zap.Error(err))
		return
	}
	if r.hub != nil {
		r.hub.Publish(tenantID, "new_message", rec)
	}
	if r.notifier != nil {
		r.notifier.Send("message.out", rec)
	}
}

// ResolveQuote looks up a recorded message by ID for reply quoting.
func (r *Recorder) ResolveQuote(tenantID string, recordID int64) (*session.Quote, error) {
	var rec domain.MessageRecord
	err := r.db.Where("tenant_id = ? and id = ?", tenantID, recordID).First(&rec).Error
	if err != nil {
		return nil, errors.Wrapf(err, "quote target %d", recordID)
	}
	return &session.Quote{
		ChatID:     rec.ChatId,
		UpstreamID: rec.UpstreamId,
		SenderID:   rec.SenderId,
		Text:       rec.Text,
		FromSelf:   rec.Direction == domain.DirectionOut,
		Raw:        rec.RawPayload,
	}, nil
}

// ChatSummary is one row of the chat list.
type ChatSummary struct {
	ChatId string    `json:"chat_id"`
	LastAt time.Time `json:"last_at"`
	Total  int64     `json:"total"`
}

// Chats lists the tenant's chats ordered by latest activity.
func (r *Recorder) Chats(tenantID string) ([]ChatSummary, error) {
	var out []ChatSummary
	err := r.db.Model(&domain.MessageRecord{}).
		Select("chat_id, MAX(timestamp) as last_at, COUNT(*) as total").
		Where("tenant_id = ?", tenantID).
		Group("chat_id").
		Order("last_at DESC").
		Scan(&out).Error
	return out, err
}

// ChatMessages returns the latest messages of one chat, newest first.
func (r *Recorder) ChatMessages(tenantID, chatID string, limit int) ([]domain.MessageRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []domain.MessageRecord
	err := r.db.Where("tenant_id = ? and chat_id = ?", tenantID, chatID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// TodayCount counts the tenant's messages since local midnight.
func (r *Recorder) TodayCount(tenantID string) (int64, error) {
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	var count int64
	err := r.db.Model(&domain.MessageRecord{}).
		Where("tenant_id = ? and timestamp >= ?", tenantID, midnight).
		Count(&count).Error
	return count, err
}

// PurgeOlderThan removes message history beyond the retention window.
func (r *Recorder) PurgeOlderThan(days int) {
	if days <= 0 {
		days = 90
	}
	cutoff := time.Now().Add(-time.Hour * 24 * time.Duration(days))
	r.db.Where("timestamp < ?", cutoff).Delete(&domain.MessageRecord{})
}
