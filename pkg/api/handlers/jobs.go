package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/partnerhub/api/pkg/api/errors"
	"github.com/partnerhub/api/pkg/jobs"
	"github.com/partnerhub/api/pkg/models"
)

// JobsHandler lets an admin run a scheduled job immediately
type JobsHandler struct {
	jobs map[string]func(context.Context) error
}

// NewJobsHandler creates a new jobs handler
func NewJobsHandler(tasks *jobs.Tasks) *JobsHandler {
	return &JobsHandler{
		jobs: map[string]func(context.Context) error{
			"pending-payout-digest": tasks.PendingPayoutDigest,
			"earnings-summaries":    tasks.EarningsSummaries,
			"code-reminders":        tasks.ExpiringCodeReminders,
			"monthly-statements":    tasks.MonthlyStatements,
		},
	}
}

// Trigger godoc
// @Summary Run a scheduled job now
// @Description Runs one of the batch jobs synchronously. Jobs already running on another instance are skipped.
// @Tags Admin Jobs
// @Produce json
// @Param name path string true "pending-payout-digest, earnings-summaries, code-reminders or monthly-statements"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} models.ErrorResponse "Unknown job"
// @Security AdminKey
// @Router /admin/jobs/{name} [post]
func (h *JobsHandler) Trigger(c echo.Context) error {
	name := c.Param("name")
	run, ok := h.jobs[name]
	if !ok {
		return c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error:   "unknown_job",
			Message: "No job with that name",
			Details: map[string]interface{}{"jobs": h.names()},
		})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Minute)
	defer cancel()

	start := time.Now()
	if err := run(ctx); err != nil {
		return errors.InternalError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":     "Job completed",
		"job":         name,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func (h *JobsHandler) names() []string {
	names := make([]string, 0, len(h.jobs))
	for n := range h.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
