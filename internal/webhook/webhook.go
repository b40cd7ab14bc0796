// Package webhook pushes gateway events to an operator-configured HTTP
// endpoint. Delivery is fire-and-forget; failures are logged only.
package webhook

import (
	"time"

	"github.com/guonaihong/gout"
	jsoniter "github.com/json-iterator/go"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

const (
	EventConnectionStatus = "connection_status"
	EventMessageIn        = "message.in"
	EventMessageOut       = "message.out"
)

// toggle setting name per event, category "webhook" in sys_config
var eventToggles = map[string]string{
	EventConnectionStatus: "toggle_connection",
	EventMessageIn:        "toggle_message_in",
	EventMessageOut:       "toggle_message_out",
}

// SettingsReader reads runtime toggles from the settings manager.
type SettingsReader interface {
	GetSettingsStringValue(category, key string) string
}

type Notifier struct {
	url      string
	timeout  time.Duration
	settings SettingsReader
	pool     *ants.Pool
}

// NewNotifier returns a notifier posting to url. An empty url disables
// all delivery.
func NewNotifier(url string, timeout time.Duration, settings SettingsReader) *Notifier {
	pool, err := ants.NewPool(16, ants.WithNonblocking(true))
	if err != nil {
		panic(err)
	}
	return &Notifier{url: url, timeout: timeout, settings: settings, pool: pool}
}

// Send posts {event, payload, ts} to the webhook URL when the event's
// toggle is on. Toggles default to on; only an explicit "false" disables.
func (n *Notifier) Send(event string, payload interface{}) {
	if n == nil || n.url == "" {
		return
	}
	if name, ok := eventToggles[event]; ok && n.settings != nil {
		if n.settings.GetSettingsStringValue("webhook", name) == "false" {
			return
		}
	}

	body, err := jsoniter.Marshal(map[string]interface{}{
		"event":   event,
		"payload": payload,
		"ts":      time.Now().Unix(),
	})
	if err != nil {
		zap.L().Warn("webhook: marshal failed", zap.String("event", event), zap.Error(err))
		return
	}

	err = n.pool.Submit(func() {
		var code int
		err := gout.POST(n.url).
			SetHeader(gout.H{"Content-Type": "application/json"}).
			SetBody(body).
			SetTimeout(n.timeout).
			Code(&code).
			Do()
		if err != nil {
			zap.L().Warn("webhook: delivery failed", zap.String("event", event), zap.Error(err))
			return
		}
		if code >= 300 {
			zap.L().Warn("webhook: endpoint returned error", zap.String("event", event), zap.Int("code", code))
		}
	})
	if err != nil {
		zap.L().Debug("webhook: queue full, event dropped", zap.String("event", event))
	}
}

func (n *Notifier) Release() {
	if n != nil && n.pool != nil {
		n.pool.Release()
	}
}
