package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/loomhq/loom/cmd/gateway/container"
	"github.com/loomhq/loom/common/hooks"
	"github.com/loomhq/loom/common/storage"
	"github.com/loomhq/loom/common/streamer"
)

const (
	// webhookResponseTimeout bounds how long a webhook caller waits for
	// the workflow to write its HTTP response.
	webhookResponseTimeout = 30 * time.Second
	webhookPollInterval    = 100 * time.Millisecond
)

// HookHandler handles hook and webhook deliveries
type HookHandler struct {
	container *container.Container
}

// NewHookHandler creates a new hook handler
func NewHookHandler(c *container.Container) *HookHandler {
	return &HookHandler{container: c}
}

// ResumeHook delivers a payload to a waiting hook
// POST /api/v1/hooks/:token
func (h *HookHandler) ResumeHook(c echo.Context) error {
	token := c.Param("token")

	payload, err := readJSONPayload(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON payload")
	}

	hook, err := h.container.Hooks.ResumeHook(c.Request().Context(), token, payload)
	if err != nil {
		return hookError(err)
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"run_id":  hook.RunID,
		"hook_id": hook.HookID,
	})
}

// ResumeWebhook delivers an HTTP-shaped payload and relays the response the
// workflow writes back through the response stream
// POST /api/v1/webhooks/:token
func (h *HookHandler) ResumeWebhook(c echo.Context) error {
	token := c.Param("token")

	body, err := readJSONPayload(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON payload")
	}
	payload := map[string]any{
		"method": c.Request().Method,
		"path":   c.Request().URL.Path,
		"body":   body,
	}

	ctx := c.Request().Context()
	hook, respStream, err := h.container.Hooks.ResumeWebhook(ctx, token, payload)
	if err != nil {
		return hookError(err)
	}

	// Tail the response stream until the workflow closes it.
	deadline := time.Now().Add(webhookResponseTimeout)
	str := h.container.Components.World.Streamer
	for time.Now().Before(deadline) {
		chunks, closed, err := str.ReadFromStream(ctx, hook.RunID, respStream, 0)
		if err != nil && !errors.Is(err, streamer.ErrNotFound) {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if closed {
			var out []byte
			for _, chunk := range chunks {
				out = append(out, chunk...)
			}
			return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, out)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(webhookPollInterval):
		}
	}
	return echo.NewHTTPError(http.StatusGatewayTimeout, "workflow did not respond in time")
}

func readJSONPayload(c echo.Context) (any, error) {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := unmarshalWithNumbers(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func hookError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "unknown hook token")
	case errors.Is(err, hooks.ErrDisposed):
		return echo.NewHTTPError(http.StatusGone, "hook is disposed")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
