package guard

import (
	"fmt"
	"testing"
	"time"
)

func testGuard(trusted []string) (*Guard, *time.Time) {
	g := NewGuard(trusted)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestRequestBudget(t *testing.T) {
	g, now := testGuard(nil)

	for i := 0; i < RequestLimit; i++ {
		if d := g.Check("1.2.3.4", "/api/whatsapp/status"); !d.Allow {
			t.Fatalf("request %d rejected: %+v", i+1, d)
		}
	}
	d := g.Check("1.2.3.4", "/api/whatsapp/status")
	if d.Allow || d.Status != 429 {
		t.Fatalf("expected 429 after budget, got %+v", d)
	}
	if d.RetryAfter < 1 || d.RetryAfter > 60 {
		t.Fatalf("retryAfter out of range: %d", d.RetryAfter)
	}

	// other sources keep their own budget
	if d := g.Check("5.6.7.8", "/api/whatsapp/status"); !d.Allow {
		t.Fatalf("unrelated source rejected: %+v", d)
	}

	// counter resets at the window boundary
	*now = now.Add(RequestWindow + time.Second)
	if d := g.Check("1.2.3.4", "/api/whatsapp/status"); !d.Allow {
		t.Fatalf("expected allow after window passed, got %+v", d)
	}
}

func TestRetryAfterTracksWindowBoundary(t *testing.T) {
	g, now := testGuard(nil)

	for i := 0; i < RequestLimit; i++ {
		g.Check("1.2.3.4", "/api/chats")
	}
	*now = now.Add(45 * time.Second)
	d := g.Check("1.2.3.4", "/api/chats")
	if d.Status != 429 || d.RetryAfter != 15 {
		t.Fatalf("expected 429 with 15s until the window resets, got %+v", d)
	}
}

func TestScannerShortCircuit(t *testing.T) {
	g, _ := testGuard(nil)

	d := g.Check("9.9.9.9", "/wp-admin/setup.php")
	if d.Allow || d.Status != 404 || !d.Scanner {
		t.Fatalf("expected scanner 404, got %+v", d)
	}

	// scanner hits must not consume the request budget
	for i := 0; i < 8; i++ {
		g.Check("9.9.9.9", "/phpMyAdmin/index.php")
	}
	for i := 0; i < RequestLimit; i++ {
		if d := g.Check("9.9.9.9", "/api/chats"); !d.Allow {
			t.Fatalf("request %d rejected after scanner hits: %+v", i+1, d)
		}
	}
}

func TestScannerBan(t *testing.T) {
	g, now := testGuard(nil)

	for i := 0; i < ProbeLimit; i++ {
		g.Check("6.6.6.6", fmt.Sprintf("/probe-%d/.env", i))
	}
	d := g.Check("6.6.6.6", "/api/whatsapp/status")
	if d.Allow || d.Status != 403 {
		t.Fatalf("expected 403 after ban, got %+v", d)
	}

	// ban expires
	*now = now.Add(BanDuration + time.Second)
	if d := g.Check("6.6.6.6", "/api/whatsapp/status"); !d.Allow {
		t.Fatalf("expected allow after ban expiry, got %+v", d)
	}
}

func TestNotFoundFeedsBan(t *testing.T) {
	g, _ := testGuard(nil)

	for i := 0; i < ProbeLimit; i++ {
		g.RecordNotFound("7.7.7.7")
	}
	if d := g.Check("7.7.7.7", "/api/whatsapp/status"); d.Status != 403 {
		t.Fatalf("expected ban from 404s, got %+v", d)
	}
}

func TestTrustedCidrBypass(t *testing.T) {
	g, _ := testGuard([]string{"10.0.0.0/8"})

	for i := 0; i < RequestLimit*2; i++ {
		if d := g.Check("10.1.2.3", "/wp-login.php"); !d.Allow {
			t.Fatalf("trusted source rejected: %+v", d)
		}
	}
}

func TestSweep(t *testing.T) {
	g, now := testGuard(nil)

	g.Check("1.1.1.1", "/api/chats")
	g.Check("2.2.2.2", "/solr/admin")
	*now = now.Add(time.Hour)
	g.sweep()

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.requests) != 0 || len(g.probes) != 0 {
		t.Fatalf("sweep left stale windows: %d requests, %d probes", len(g.requests), len(g.probes))
	}
}

func TestSourceAddr(t *testing.T) {
	if got := SourceAddr("1.2.3.4:5678"); got != "1.2.3.4" {
		t.Fatalf("got %q", got)
	}
	if got := SourceAddr("1.2.3.4"); got != "1.2.3.4" {
		t.Fatalf("got %q", got)
	}
}
