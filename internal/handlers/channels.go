package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/botwalk/botwalk/internal/channel"
)

// ChannelsHandler lists the registered channel types and their
// capability matrices so clients can adapt their UI.
type ChannelsHandler struct {
	registry *channel.Registry
}

func NewChannelsHandler(registry *channel.Registry) *ChannelsHandler {
	return &ChannelsHandler{registry: registry}
}

func (h *ChannelsHandler) Register(e *echo.Echo) {
	e.GET("/channels", h.ListChannels)
	e.GET("/channels/:type", h.GetChannel)
}

func (h *ChannelsHandler) ListChannels(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"channels": h.registry.ListDescriptors(),
	})
}

func (h *ChannelsHandler) GetChannel(c echo.Context) error {
	channelType, err := h.registry.ParseType(c.Param("type"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	desc, ok := h.registry.GetDescriptor(channelType)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown channel type")
	}
	return c.JSON(http.StatusOK, desc)
}
