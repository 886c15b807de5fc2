package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/botwalk/botwalk/internal/channel"
	dbpkg "github.com/botwalk/botwalk/internal/db"
)

// SessionManager is the slice of the channel manager the session API
// needs.
type SessionManager interface {
	Connect(ctx context.Context, tenantID string, channelType channel.Type) error
	Disconnect(ctx context.Context, tenantID string, channelType channel.Type) error
	Status(ctx context.Context, tenantID string, channelType channel.Type) (channel.Session, bool, error)
	Registry() *channel.Registry
}

// SessionHandler exposes the per-tenant channel session lifecycle:
// status snapshot, connect (begins pairing when no credentials exist)
// and manual disconnect.
type SessionHandler struct {
	logger         *slog.Logger
	manager        SessionManager
	defaultChannel channel.Type
}

func NewSessionHandler(log *slog.Logger, manager SessionManager, defaultChannel channel.Type) *SessionHandler {
	return &SessionHandler{
		logger:         log.With(slog.String("handler", "session")),
		manager:        manager,
		defaultChannel: defaultChannel,
	}
}

func (h *SessionHandler) Register(e *echo.Echo) {
	group := e.Group("/tenants/:tenant_id/session")
	group.GET("", h.GetStatus)
	group.POST("/connect", h.Connect)
	group.POST("/disconnect", h.Disconnect)
}

type sessionResponse struct {
	Session channel.Session `json:"session"`
	Live    bool            `json:"live"`
}

func (h *SessionHandler) GetStatus(c echo.Context) error {
	tenantID, channelType, err := h.target(c)
	if err != nil {
		return err
	}
	snap, live, err := h.manager.Status(c.Request().Context(), tenantID, channelType)
	if err != nil {
		if errors.Is(err, channel.ErrSessionNotFound) {
			// No session yet reads as a disconnected one.
			return c.JSON(http.StatusOK, sessionResponse{
				Session: channel.Session{
					TenantID: tenantID,
					Channel:  channelType,
					Status:   channel.StatusDisconnected,
				},
			})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sessionResponse{Session: snap, Live: live})
}

func (h *SessionHandler) Connect(c echo.Context) error {
	tenantID, channelType, err := h.target(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.manager.Connect(ctx, tenantID, channelType); err != nil {
		switch {
		case errors.Is(err, channel.ErrConnectPending):
			return c.JSON(http.StatusAccepted, map[string]string{
				"status": "pending",
			})
		case errors.Is(err, channel.ErrHandlerNotBound):
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		default:
			h.logger.Error("connect failed",
				slog.String("tenant_id", tenantID),
				slog.String("channel", string(channelType)),
				slog.Any("error", err))
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	snap, live, err := h.manager.Status(ctx, tenantID, channelType)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sessionResponse{Session: snap, Live: live})
}

func (h *SessionHandler) Disconnect(c echo.Context) error {
	tenantID, channelType, err := h.target(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.manager.Disconnect(ctx, tenantID, channelType); err != nil {
		h.logger.Error("disconnect failed",
			slog.String("tenant_id", tenantID),
			slog.String("channel", string(channelType)),
			slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	snap, live, err := h.manager.Status(ctx, tenantID, channelType)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sessionResponse{Session: snap, Live: live})
}

// target resolves and validates the tenant id and channel type of the
// request. The channel query parameter is optional and defaults to the
// deployment's primary channel.
func (h *SessionHandler) target(c echo.Context) (string, channel.Type, error) {
	tenantID := c.Param("tenant_id")
	if _, err := dbpkg.ParseUUID(tenantID); err != nil {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, "tenant_id must be a uuid")
	}
	raw := c.QueryParam("channel")
	if raw == "" {
		return tenantID, h.defaultChannel, nil
	}
	channelType, err := h.manager.Registry().ParseType(raw)
	if err != nil {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return tenantID, channelType, nil
}
