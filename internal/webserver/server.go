// Package webserver owns the echo instance, the abuse-guard middleware
// and the per-tenant SSE stream. API packages register their routes
// through ApiGET and friends.
package webserver

import (
	"fmt"
	"net/http"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/Faiqzakii/wa-gateway/config"
	"github.com/Faiqzakii/wa-gateway/internal/guard"
	"github.com/Faiqzakii/wa-gateway/internal/realtime"
)

const TenantHeader = "X-Tenant-Id"

// tenantKey is the echo context key the tenant middleware fills in.
const tenantKey = "tenant_id"

type WebContext struct {
	config *config.AppConfig
	root   *echo.Echo
	api    *echo.Group
	guard  *guard.Guard
	hub    *realtime.Hub
}

var server *WebContext

func Init(cfg *config.AppConfig, g *guard.Guard, hub *realtime.Hub) {
	server = NewWebContext(cfg, g, hub)
}

func NewWebContext(cfg *config.AppConfig, g *guard.Guard, hub *realtime.Hub) *WebContext {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &WebContext{config: cfg, root: e, guard: g, hub: hub}
	if g != nil {
		e.Use(s.guardMiddleware)
	}
	e.HTTPErrorHandler = s.errorHandler

	s.api = e.Group("/api", s.tenantMiddleware)
	s.api.GET("/events", s.handleEvents)
	return s
}

// guardMiddleware enforces the abuse guard before any routing work.
func (s *WebContext) guardMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		source := guard.SourceAddr(c.Request().RemoteAddr)
		d := s.guard.Check(source, c.Request().URL.Path)
		if d.Allow {
			return next(c)
		}
		switch d.Status {
		case http.StatusTooManyRequests:
			c.Response().Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
			return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
				"code":       http.StatusTooManyRequests,
				"msg":        "too many requests",
				"retryAfter": d.RetryAfter,
			})
		case http.StatusForbidden:
			return c.JSON(http.StatusForbidden, map[string]interface{}{
				"code": http.StatusForbidden,
				"msg":  "forbidden",
			})
		default:
			// scanner path, answer with a bare not-found
			return c.NoContent(http.StatusNotFound)
		}
	}
}

// errorHandler feeds 404s back into the guard's probe budget.
func (s *WebContext) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := "internal error"
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		msg = fmt.Sprintf("%v", he.Message)
	}
	if code == http.StatusNotFound && s.guard != nil {
		s.guard.RecordNotFound(guard.SourceAddr(c.Request().RemoteAddr))
	}
	if c.Response().Committed {
		return
	}
	if code >= http.StatusInternalServerError {
		zap.L().Error("webserver: request failed",
			zap.String("path", c.Request().URL.Path),
			zap.Error(err))
	}
	_ = c.JSON(code, map[string]interface{}{"code": code, "msg": msg})
}

// tenantMiddleware resolves the calling tenant from the request header.
func (s *WebContext) tenantMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenant := c.Request().Header.Get(TenantHeader)
		if tenant == "" {
			return c.JSON(http.StatusUnauthorized, map[string]interface{}{
				"code": http.StatusUnauthorized,
				"msg":  fmt.Sprintf("%s header is required", TenantHeader),
			})
		}
		c.Set(tenantKey, tenant)
		return next(c)
	}
}

// handleEvents streams the tenant's realtime events as SSE.
func (s *WebContext) handleEvents(c echo.Context) error {
	if s.hub == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event hub not available")
	}
	tenant := Tenant(c)

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set(echo.HeaderConnection, "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	events := make(chan realtime.Event, 32)
	unsubscribe, err := s.hub.Subscribe(tenant, func(evt realtime.Event) {
		select {
		case events <- evt:
		default:
		}
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "subscribe failed")
	}
	defer unsubscribe()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-events:
			data, err := jsoniter.MarshalToString(evt)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(resp, "data: %s\n\n", data); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}

// Tenant returns the tenant id resolved by the middleware.
func Tenant(c echo.Context) string {
	tenant, _ := c.Get(tenantKey).(string)
	return tenant
}

func ApiGET(path string, h echo.HandlerFunc) {
	server.api.GET(path, h)
}

func ApiPOST(path string, h echo.HandlerFunc) {
	server.api.POST(path, h)
}

func ApiPUT(path string, h echo.HandlerFunc) {
	server.api.PUT(path, h)
}

func ApiDELETE(path string, h echo.HandlerFunc) {
	server.api.DELETE(path, h)
}

// Listen blocks serving HTTP until shutdown.
func Listen() error {
	zap.L().Info("webserver: listening", zap.String("addr", server.config.WebListen()))
	return server.root.Start(server.config.WebListen())
}

// Echo exposes the underlying instance, mainly for tests.
func (s *WebContext) Echo() *echo.Echo {
	return s.root
}
