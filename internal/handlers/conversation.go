package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/botwalk/botwalk/internal/conversation"
	dbpkg "github.com/botwalk/botwalk/internal/db"
)

// ConversationHandler exposes the manual close operation agents use to
// end a conversation from a dashboard.
type ConversationHandler struct {
	logger   *slog.Logger
	store    conversation.Store
	validate *validator.Validate
}

func NewConversationHandler(log *slog.Logger, store conversation.Store) *ConversationHandler {
	return &ConversationHandler{
		logger:   log.With(slog.String("handler", "conversation")),
		store:    store,
		validate: validator.New(),
	}
}

func (h *ConversationHandler) Register(e *echo.Echo) {
	e.POST("/conversations/:id/close", h.Close)
	e.GET("/conversations/:id", h.Get)
}

type closeConversationRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=200"`
}

func (h *ConversationHandler) Close(c echo.Context) error {
	id := c.Param("id")
	if _, err := dbpkg.ParseUUID(id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation id must be a uuid")
	}

	var req closeConversationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual"
	}

	ctx := c.Request().Context()
	if err := h.store.SetStatus(ctx, id, conversation.StatusFinished, reason); err != nil {
		switch {
		case errors.Is(err, conversation.ErrConversationNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, conversation.ErrInvalidTransition):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			h.logger.Error("close conversation failed",
				slog.String("conversation_id", id), slog.Any("error", err))
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	h.logger.Info("conversation closed",
		slog.String("conversation_id", id), slog.String("reason", reason))

	conv, err := h.store.Get(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, conv)
}

func (h *ConversationHandler) Get(c echo.Context) error {
	id := c.Param("id")
	if _, err := dbpkg.ParseUUID(id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation id must be a uuid")
	}
	conv, err := h.store.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, conv)
}
