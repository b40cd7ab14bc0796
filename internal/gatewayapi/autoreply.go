package gatewayapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"

	"github.com/Faiqzakii/wa-gateway/internal/domain"
	"github.com/Faiqzakii/wa-gateway/internal/webserver"
	"github.com/Faiqzakii/wa-gateway/pkg/common"
)

func registerAutoReplyRoutes() {
	webserver.ApiGET("/autoreply/rules", listAutoReplyRules)
	webserver.ApiPOST("/autoreply/rules", createAutoReplyRule)
	webserver.ApiPUT("/autoreply/rules/:id", updateAutoReplyRule)
	webserver.ApiDELETE("/autoreply/rules/:id", deleteAutoReplyRule)
}

func listAutoReplyRules(c echo.Context) error {
	var rules []domain.AutoReplyRule
	err := gdb.Where("tenant_id = ?", tenant(c)).Order("sort, id").Find(&rules).Error
	if err != nil {
		return fail(c, http.StatusInternalServerError, "QUERY_FAILED", "Failed to list rules", err.Error())
	}
	return ok(c, rules)
}

func createAutoReplyRule(c echo.Context) error {
	var rule domain.AutoReplyRule
	if err := c.Bind(&rule); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if rule.Keyword == "" || rule.Reply == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "keyword and reply are required", nil)
	}

	rule.ID = common.UUIDint64()
	rule.TenantId = tenant(c)
	if err := gdb.Create(&rule).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "CREATE_FAILED", "Failed to create rule", err.Error())
	}
	rec.ReloadRules()
	return ok(c, rule)
}

func updateAutoReplyRule(c echo.Context) error {
	id := cast.ToInt64(c.Param("id"))
	if id == 0 {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid rule id", nil)
	}

	var input domain.AutoReplyRule
	if err := c.Bind(&input); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}

	res := gdb.Model(&domain.AutoReplyRule{}).
		Where("id = ? and tenant_id = ?", id, tenant(c)).
		Updates(map[string]interface{}{
			"keyword": input.Keyword,
			"reply":   input.Reply,
			"enabled": input.Enabled,
			"sort":    input.Sort,
			"remark":  input.Remark,
		})
	if res.Error != nil {
		return fail(c, http.StatusInternalServerError, "UPDATE_FAILED", "Failed to update rule", res.Error.Error())
	}
	if res.RowsAffected == 0 {
		return fail(c, http.StatusNotFound, "RULE_NOT_FOUND", "Rule not found", nil)
	}
	rec.ReloadRules()
	return ok(c, map[string]interface{}{"updated": true})
}

func deleteAutoReplyRule(c echo.Context) error {
	id := cast.ToInt64(c.Param("id"))
	if id == 0 {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid rule id", nil)
	}

	res := gdb.Where("id = ? and tenant_id = ?", id, tenant(c)).Delete(&domain.AutoReplyRule{})
	if res.Error != nil {
		return fail(c, http.StatusInternalServerError, "DELETE_FAILED", "Failed to delete rule", res.Error.Error())
	}
	if res.RowsAffected == 0 {
		return fail(c, http.StatusNotFound, "RULE_NOT_FOUND", "Rule not found", nil)
	}
	rec.ReloadRules()
	return ok(c, map[string]interface{}{"deleted": true})
}
