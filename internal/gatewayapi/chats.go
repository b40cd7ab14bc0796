package gatewayapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"

	"github.com/Faiqzakii/wa-gateway/internal/webserver"
)

func registerChatRoutes() {
	webserver.ApiGET("/chats", listChats)
	webserver.ApiGET("/chats/messages", listChatMessages)
	webserver.ApiGET("/chats/today-count", getTodayCount)
}

func listChats(c echo.Context) error {
	chats, err := rec.Chats(tenant(c))
	if err != nil {
		return fail(c, http.StatusInternalServerError, "QUERY_FAILED", "Failed to list chats", err.Error())
	}
	return ok(c, chats)
}

func listChatMessages(c echo.Context) error {
	chatID := c.QueryParam("chat_id")
	if chatID == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "chat_id is required", nil)
	}

	msgs, err := rec.ChatMessages(tenant(c), chatID, cast.ToInt(c.QueryParam("limit")))
	if err != nil {
		return fail(c, http.StatusInternalServerError, "QUERY_FAILED", "Failed to list messages", err.Error())
	}
	return ok(c, msgs)
}

func getTodayCount(c echo.Context) error {
	count, err := rec.TodayCount(tenant(c))
	if err != nil {
		return fail(c, http.StatusInternalServerError, "QUERY_FAILED", "Failed to count messages", err.Error())
	}
	return ok(c, map[string]interface{}{"count": count})
}
