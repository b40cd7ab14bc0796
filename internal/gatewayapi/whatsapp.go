package gatewayapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Faiqzakii/wa-gateway/internal/session"
	"github.com/Faiqzakii/wa-gateway/internal/webserver"
	"github.com/Faiqzakii/wa-gateway/pkg/common"
)

func registerWhatsappRoutes() {
	webserver.ApiGET("/whatsapp/status", getStatus)
	webserver.ApiPOST("/whatsapp/send", postSend)
	webserver.ApiPOST("/whatsapp/send/interactive", postSendInteractive)
	webserver.ApiPOST("/whatsapp/send/bulk", postSendBulk)
	webserver.ApiPOST("/whatsapp/pairing", postPairingCode)
	webserver.ApiPOST("/whatsapp/logout", postLogout)
}

// sendFail maps delivery errors onto the API's status codes.
func sendFail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, session.ErrNotConnected):
		return fail(c, http.StatusBadRequest, "NOT_CONNECTED", "Session is not connected, scan the QR first", nil)
	case errors.Is(err, session.ErrConnectivityTimeout):
		return fail(c, http.StatusGatewayTimeout, "CONNECT_TIMEOUT", "Timed out waiting for connectivity", nil)
	default:
		return fail(c, http.StatusBadGateway, "SEND_FAILED", "Failed to deliver message", err.Error())
	}
}

// getStatus ensures a session exists for the tenant and reports its
// state. Hitting this endpoint is what kicks off QR pairing.
func getStatus(c echo.Context) error {
	tid := tenant(c)
	if _, err := registry.EnsureSession(c.Request().Context(), tid); err != nil {
		zap.L().Warn("gatewayapi: ensure session failed",
			zap.String("tenant", tid), zap.Error(err))
	}
	return ok(c, registry.Status(tid))
}

func postSend(c echo.Context) error {
	var payload struct {
		To        string `json:"to" form:"to"`
		Message   string `json:"message" form:"message"`
		ReplyToId int64  `json:"reply_to_id,string" form:"reply_to_id"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if payload.To == "" || payload.Message == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "to and message are required", nil)
	}

	res, err := registry.Send(c.Request().Context(), tenant(c), payload.To, payload.Message, payload.ReplyToId)
	if err != nil {
		return sendFail(c, err)
	}
	return ok(c, map[string]interface{}{
		"sent":        true,
		"upstream_id": res.UpstreamID,
		"timestamp":   res.Timestamp,
	})
}

func postSendInteractive(c echo.Context) error {
	var payload struct {
		To string `json:"to" form:"to"`
		session.InteractiveContent
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if payload.To == "" || payload.Text == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "to and text are required", nil)
	}

	res, err := registry.SendInteractive(c.Request().Context(), tenant(c), payload.To, payload.InteractiveContent)
	if err != nil {
		return sendFail(c, err)
	}
	return ok(c, map[string]interface{}{
		"sent":        true,
		"upstream_id": res.UpstreamID,
		"timestamp":   res.Timestamp,
	})
}

// postSendBulk accepts newline separated numbers and fans the message
// out in the background, one send at a time with a randomized pause so
// the upstream does not flag the burst.
func postSendBulk(c echo.Context) error {
	var payload struct {
		Numbers string `json:"numbers" form:"numbers"`
		Message string `json:"message" form:"message"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}

	var targets []string
	for _, line := range strings.Split(payload.Numbers, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			targets = append(targets, line)
		}
	}
	if len(targets) == 0 || payload.Message == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "numbers and message are required", nil)
	}

	tid := tenant(c)
	batchID := common.UUID()
	go runBulkBatch(tid, batchID, payload.Message, targets)

	return ok(c, map[string]interface{}{
		"started":  true,
		"batch_id": batchID,
		"total":    len(targets),
	})
}

// runBulkBatch sends one message per target, publishing a bulk-log
// event per number and a closing one for the batch.
func runBulkBatch(tid, batchID, message string, targets []string) {
	sent, failed := 0, 0
	for i, target := range targets {
		if i > 0 {
			common.RandomDelay(2*time.Second, 5*time.Second)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err := registry.Send(ctx, tid, target, message, 0)
		cancel()
		status := "sent"
		if err != nil {
			status = "failed"
			failed++
			zap.L().Warn("gatewayapi: bulk send failed",
				zap.String("tenant", tid),
				zap.String("to", target),
				zap.Error(err))
		} else {
			sent++
		}
		if hub != nil {
			hub.Publish(tid, "bulk-log", map[string]interface{}{
				"batch_id": batchID,
				"number":   target,
				"status":   status,
				"index":    i + 1,
				"total":    len(targets),
				"sent":     sent,
				"failed":   failed,
			})
		}
	}
	if hub != nil {
		hub.Publish(tid, "bulk-log", map[string]interface{}{
			"batch_id": batchID,
			"status":   "done",
			"total":    len(targets),
			"sent":     sent,
			"failed":   failed,
		})
	}
	zap.L().Info("gatewayapi: bulk batch finished",
		zap.String("tenant", tid),
		zap.String("batch", batchID),
		zap.Int("sent", sent),
		zap.Int("failed", failed))
}

func postPairingCode(c echo.Context) error {
	var payload struct {
		Phone string `json:"phone" form:"phone"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if payload.Phone == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "phone is required", nil)
	}

	code, err := registry.RequestPairingCode(c.Request().Context(), tenant(c), payload.Phone)
	switch {
	case errors.Is(err, session.ErrAlreadyConnected):
		return fail(c, http.StatusBadRequest, "ALREADY_PAIRED", "Session is already paired", nil)
	case errors.Is(err, session.ErrConnectivityTimeout):
		return fail(c, http.StatusGatewayTimeout, "CONNECT_TIMEOUT", "Timed out waiting for connectivity", nil)
	case err != nil:
		return fail(c, http.StatusBadGateway, "PAIRING_FAILED", "Failed to request pairing code", err.Error())
	}
	return ok(c, map[string]interface{}{"code": code})
}

func postLogout(c echo.Context) error {
	tid := tenant(c)
	if err := registry.Logout(c.Request().Context(), tid); err != nil {
		return fail(c, http.StatusInternalServerError, "LOGOUT_FAILED", "Failed to log out", err.Error())
	}
	return ok(c, map[string]interface{}{"logged_out": true})
}
