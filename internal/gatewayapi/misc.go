// Package gatewayapi exposes the tenant-facing HTTP API. Every
// response uses the {code, msg, data} envelope.
package gatewayapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/Faiqzakii/wa-gateway/internal/realtime"
	"github.com/Faiqzakii/wa-gateway/internal/recorder"
	"github.com/Faiqzakii/wa-gateway/internal/scheduler"
	"github.com/Faiqzakii/wa-gateway/internal/session"
	"github.com/Faiqzakii/wa-gateway/internal/webserver"
)

var (
	gdb      *gorm.DB
	registry *session.Registry
	sched    *scheduler.Scheduler
	rec      *recorder.Recorder
	hub      *realtime.Hub
)

// Setup wires the API onto the webserver. Call after webserver.Init.
func Setup(db *gorm.DB, reg *session.Registry, s *scheduler.Scheduler, r *recorder.Recorder, h *realtime.Hub) {
	gdb = db
	registry = reg
	sched = s
	rec = r
	hub = h

	registerWhatsappRoutes()
	registerScheduleRoutes()
	registerAutoReplyRoutes()
	registerChatRoutes()
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"code": 0,
		"msg":  "ok",
		"data": data,
	})
}

func fail(c echo.Context, status int, code, msg string, data interface{}) error {
	return c.JSON(status, map[string]interface{}{
		"code": code,
		"msg":  msg,
		"data": data,
	})
}

func tenant(c echo.Context) string {
	return webserver.Tenant(c)
}
