package gatewayapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"github.com/Faiqzakii/wa-gateway/internal/scheduler"
	"github.com/Faiqzakii/wa-gateway/internal/webserver"
)

func registerScheduleRoutes() {
	webserver.ApiGET("/schedules", listSchedules)
	webserver.ApiGET("/schedules/statistics", getScheduleStatistics)
	webserver.ApiPOST("/schedules", createSchedule)
	webserver.ApiPOST("/schedules/:id/cancel", cancelSchedule)
	webserver.ApiDELETE("/schedules/:id", deleteSchedule)
}

func scheduleFail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, scheduler.ErrValidation):
		return fail(c, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error(), nil)
	case errors.Is(err, scheduler.ErrNotFound):
		return fail(c, http.StatusNotFound, "SCHEDULE_NOT_FOUND", "Scheduled job not found", nil)
	default:
		return fail(c, http.StatusInternalServerError, "SCHEDULE_FAILED", "Schedule operation failed", err.Error())
	}
}

func createSchedule(c echo.Context) error {
	var input scheduler.CreateJobInput
	if err := c.Bind(&input); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}

	job, err := sched.CreateJob(tenant(c), input)
	if err != nil {
		return scheduleFail(c, err)
	}
	return ok(c, job)
}

func listSchedules(c echo.Context) error {
	jobs, err := sched.List(tenant(c), c.QueryParam("status"), cast.ToInt(c.QueryParam("limit")))
	if err != nil {
		return scheduleFail(c, err)
	}
	return ok(c, jobs)
}

func getScheduleStatistics(c echo.Context) error {
	stats, err := sched.Statistics(tenant(c))
	if err != nil {
		return scheduleFail(c, err)
	}
	return ok(c, stats)
}

func cancelSchedule(c echo.Context) error {
	id := cast.ToInt64(c.Param("id"))
	if id == 0 {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid schedule id", nil)
	}
	if err := sched.Cancel(tenant(c), id); err != nil {
		return scheduleFail(c, err)
	}
	return ok(c, map[string]interface{}{"cancelled": true})
}

func deleteSchedule(c echo.Context) error {
	id := cast.ToInt64(c.Param("id"))
	if id == 0 {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid schedule id", nil)
	}
	if err := sched.Delete(tenant(c), id); err != nil {
		return scheduleFail(c, err)
	}
	return ok(c, map[string]interface{}{"deleted": true})
}
