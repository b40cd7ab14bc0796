package webserver

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/Faiqzakii/wa-gateway/config"
	"github.com/Faiqzakii/wa-gateway/internal/guard"
)

func testServer(t *testing.T) *WebContext {
	t.Helper()
	cfg := config.DefaultAppConfig
	s := NewWebContext(cfg, guard.NewGuard(nil), nil)
	s.api.GET("/ping", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"tenant": Tenant(c)})
	})
	return s
}

func doRequest(s *WebContext, method, path, remote, tenant string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remote
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	rec := httptest.NewRecorder()
	s.root.ServeHTTP(rec, req)
	return rec
}

func TestTenantHeaderRequired(t *testing.T) {
	s := testServer(t)

	rec := doRequest(s, http.MethodGet, "/api/ping", "10.1.1.1:1000", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without tenant header, got %d", rec.Code)
	}

	rec = doRequest(s, http.MethodGet, "/api/ping", "10.1.1.1:1000", "tenant-a")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with tenant header, got %d", rec.Code)
	}
}

func TestScannerPathShortCircuit(t *testing.T) {
	s := testServer(t)

	rec := doRequest(s, http.MethodGet, "/wp-login.php", "10.1.1.2:1000", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected bare 404 for scanner path, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	s := testServer(t)
	remote := "10.1.1.3:1000"

	for i := 0; i < guard.RequestLimit; i++ {
		rec := doRequest(s, http.MethodGet, "/api/ping", remote, "tenant-a")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := doRequest(s, http.MethodGet, "/api/ping", remote, "tenant-a")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past the budget, got %d", rec.Code)
	}
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retry <= 0 {
		t.Fatalf("expected a positive Retry-After header, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestRepeatedNotFoundBans(t *testing.T) {
	s := testServer(t)
	remote := "10.1.1.4:1000"

	for i := 0; i < guard.ProbeLimit; i++ {
		rec := doRequest(s, http.MethodGet, fmt.Sprintf("/api/missing-%d", i), remote, "tenant-a")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("probe %d: expected 404, got %d", i, rec.Code)
		}
	}

	rec := doRequest(s, http.MethodGet, "/api/ping", remote, "tenant-a")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 after repeated 404s, got %d", rec.Code)
	}
}
