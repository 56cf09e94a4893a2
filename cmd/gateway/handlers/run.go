package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/loomhq/loom/cmd/gateway/container"
	"github.com/loomhq/loom/common/event"
	"github.com/loomhq/loom/common/storage"
)

// RunHandler handles run-related requests
type RunHandler struct {
	container *container.Container
}

// NewRunHandler creates a new run handler
func NewRunHandler(c *container.Container) *RunHandler {
	return &RunHandler{container: c}
}

type submitRunRequest struct {
	Workflow string          `json:"workflow"`
	Input    json.RawMessage `json:"input"`
}

// SubmitRun creates a run and enqueues its first replay
// POST /api/v1/runs
func (h *RunHandler) SubmitRun(c echo.Context) error {
	var req submitRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Workflow == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow is required")
	}

	input, err := decodeJSONArgs(req.Input)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "input must be a JSON array")
	}

	runID, err := h.container.Scheduler.CreateRun(c.Request().Context(), req.Workflow, input)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"run_id":   runID,
		"workflow": req.Workflow,
		"status":   event.RunPending,
	})
}

// GetRun retrieves a run view
// GET /api/v1/runs/:id
func (h *RunHandler) GetRun(c echo.Context) error {
	id := c.Param("id")

	run, err := h.container.Components.World.Storage.GetRun(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := map[string]any{
		"run_id":       run.RunID,
		"workflow":     run.WorkflowName,
		"status":       run.Status,
		"created_at":   run.CreatedAt,
		"started_at":   run.StartedAt,
		"completed_at": run.CompletedAt,
	}
	if run.Error != nil {
		resp["error"] = run.Error
	}
	if len(run.Output) > 0 {
		if out, err := h.container.Scheduler.Engine.DecodeValue(run.Output, run.RunID); err == nil {
			if _, merr := json.Marshal(out); merr == nil {
				resp["output"] = out
			}
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// ListRunEvents returns one page of a run's event log
// GET /api/v1/runs/:id/events?cursor=&limit=
func (h *RunHandler) ListRunEvents(c echo.Context) error {
	id := c.Param("id")

	opts := storage.ListOptions{
		Page: storage.Page{Cursor: c.QueryParam("cursor")},
	}
	if limit := c.QueryParam("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		opts.Page.Limit = n
	}

	events, next, err := h.container.Components.World.Storage.ListEvents(c.Request().Context(), id, opts)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]any{
		"events":      events,
		"next_cursor": next,
	})
}

// CancelRun cancels a running workflow
// POST /api/v1/runs/:id/cancel
func (h *RunHandler) CancelRun(c echo.Context) error {
	id := c.Param("id")

	err := h.container.Scheduler.CancelRun(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, event.ErrRunTerminal) {
			return echo.NewHTTPError(http.StatusConflict, "run already terminal")
		}
		if errors.Is(err, event.ErrFirstEvent) || errors.Is(err, storage.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"run_id": id,
		"status": event.RunCancelledStat,
	})
}

// decodeJSONArgs turns a JSON array into workflow input, preserving integer
// precision via json.Number.
func decodeJSONArgs(raw json.RawMessage) ([]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := unmarshalWithNumbers(raw, &v); err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	args, ok := v.([]any)
	if !ok {
		return nil, errors.New("input is not an array")
	}
	return args, nil
}
