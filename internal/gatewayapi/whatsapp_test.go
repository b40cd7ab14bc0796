package gatewayapi

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Faiqzakii/wa-gateway/internal/realtime"
	"github.com/Faiqzakii/wa-gateway/internal/session"
)

// idleConn is a connection that never authenticates, so every send is
// rejected by the registry before it reaches the wire.
type idleConn struct {
	events chan interface{}
	once   sync.Once
}

func newIdleConn() *idleConn { return &idleConn{events: make(chan interface{}, 4)} }

func (c *idleConn) Events() <-chan interface{} { return c.events }
func (c *idleConn) Ready() bool                { return false }

func (c *idleConn) Send(context.Context, string, string, *session.Quote) (*session.DeliveryResult, error) {
	return nil, session.ErrNotConnected
}

func (c *idleConn) SendInteractive(context.Context, string, session.InteractiveContent) (*session.DeliveryResult, error) {
	return nil, session.ErrNotConnected
}

func (c *idleConn) RequestPairingCode(context.Context, string) (string, error) {
	return "", session.ErrConnectivityTimeout
}

func (c *idleConn) Presence(context.Context) error { return nil }
func (c *idleConn) SelfID() string                 { return "" }
func (c *idleConn) Logout(context.Context) error   { return nil }

func (c *idleConn) End() {
	c.once.Do(func() { close(c.events) })
}

type idleConnector struct{}

func (idleConnector) Dial(context.Context, string) (session.Conn, error) {
	return newIdleConn(), nil
}

type nullCreds struct{}

func (nullCreds) Purge(string) error      { return nil }
func (nullCreds) List() ([]string, error) { return nil, nil }

func TestBulkBatchEmitsBulkLog(t *testing.T) {
	prevRegistry, prevHub := registry, hub
	defer func() { registry, hub = prevRegistry, prevHub }()

	registry = session.NewRegistry(session.DefaultConfig(), idleConnector{}, nullCreds{})
	defer registry.Shutdown()
	hub = realtime.NewHub()
	defer hub.Release()

	var mu sync.Mutex
	var got []realtime.Event
	unsubscribe, err := hub.Subscribe("tenant-a", func(evt realtime.Event) {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	runBulkBatch("tenant-a", "batch-1", "hello", []string{"628111"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 bulk-log events, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawNumber, sawDone bool
	for _, evt := range got {
		if evt.Type != "bulk-log" {
			t.Fatalf("unexpected event type %q", evt.Type)
		}
		payload, ok := evt.Payload.(map[string]interface{})
		if !ok {
			t.Fatalf("unexpected payload %+v", evt.Payload)
		}
		switch payload["status"] {
		case "failed":
			if payload["number"] != "628111" || payload["batch_id"] != "batch-1" {
				t.Fatalf("unexpected per-number payload %+v", payload)
			}
			sawNumber = true
		case "done":
			sawDone = true
		default:
			t.Fatalf("unexpected status in payload %+v", payload)
		}
	}
	if !sawNumber || !sawDone {
		t.Fatalf("missing bulk-log events: number=%v done=%v", sawNumber, sawDone)
	}
}
