package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	dbpkg "github.com/botwalk/botwalk/internal/db"
	"github.com/botwalk/botwalk/internal/event"
)

// EventsHandler streams a tenant's runtime events (session transitions,
// pairing codes, conversation lifecycle) over SSE so dashboards can
// follow along without polling.
type EventsHandler struct {
	logger *slog.Logger
	hub    *event.Hub
}

func NewEventsHandler(log *slog.Logger, hub *event.Hub) *EventsHandler {
	return &EventsHandler{
		logger: log.With(slog.String("handler", "events")),
		hub:    hub,
	}
}

func (h *EventsHandler) Register(e *echo.Echo) {
	e.GET("/tenants/:tenant_id/events", h.Stream)
}

func (h *EventsHandler) Stream(c echo.Context) error {
	tenantID := c.Param("tenant_id")
	if _, err := dbpkg.ParseUUID(tenantID); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id must be a uuid")
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set(echo.HeaderConnection, "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	events, cancel := h.hub.Subscribe(tenantID)
	defer cancel()

	h.logger.Debug("event stream opened", slog.String("tenant_id", tenantID))
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("event stream closed", slog.String("tenant_id", tenantID))
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", evt.Type, payload); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}
