package messaging

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/platform/auth"
	"github.com/medflow/medflow/internal/platform/blobstore"
	"github.com/medflow/medflow/internal/platform/bot"
	"github.com/medflow/medflow/pkg/pagination"
)

// SecretHeader carries the webhook secret registered with Telegram.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes mounts the webhook on g (/api/telegram-bot) unauthenticated
// and every other route behind protect.
func (h *Handler) RegisterRoutes(g *echo.Group, protect ...echo.MiddlewareFunc) {
	g.POST("/webhook", h.Webhook)

	g.GET("/threads", h.ListThreads, protect...)
	g.GET("/threads/:chatId", h.GetThread, protect...)
	g.POST("/threads/:chatId/messages", h.SendMessage, protect...)
	g.POST("/threads/:chatId/photos", h.SendPhoto, protect...)
	g.GET("/media", h.GetMedia, protect...)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, blobstore.ErrInvalidKey):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidSecret):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrThreadNotFound), errors.Is(err, blobstore.ErrBlobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, blobstore.ErrInvalidContentType):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ErrChannelUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func chatIDParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("chatId"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid chat id")
	}
	return id, nil
}

// sender is the authenticated clinician, if any.
func sender(c echo.Context) *uuid.UUID {
	id := auth.UserIDFromContext(c.Request().Context())
	if id == uuid.Nil {
		return nil
	}
	return &id
}

// Webhook receives updates pushed by Telegram. Processing failures are
// logged and acknowledged so Telegram does not redeliver the update.
func (h *Handler) Webhook(c echo.Context) error {
	if err := h.svc.VerifyWebhookSecret(c.Request().Header.Get(SecretHeader)); err != nil {
		return httpError(err)
	}
	in, err := bot.ParseUpdate(c.Request().Body)
	if errors.Is(err, bot.ErrNoMessage) {
		return c.NoContent(http.StatusOK)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.HandleIncoming(c.Request().Context(), in); err != nil {
		h.logger.Error().Err(err).Int64("chat_id", in.ChatID).Int("update_id", in.UpdateID).Msg("telegram update failed")
	}
	return c.NoContent(http.StatusOK)
}

func (h *Handler) ListThreads(c echo.Context) error {
	pg := pagination.FromContext(c)
	threads, total, err := h.svc.ListThreads(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(c, threads, total, pg))
}

func (h *Handler) GetThread(c echo.Context) error {
	chatID, err := chatIDParam(c)
	if err != nil {
		return err
	}
	t, err := h.svc.GetThread(c.Request().Context(), chatID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) SendMessage(c echo.Context) error {
	chatID, err := chatIDParam(c)
	if err != nil {
		return err
	}
	var req SendTextRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	msg, err := h.svc.SendText(c.Request().Context(), chatID, req.Text, sender(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, msg)
}

// SendPhoto accepts a multipart form with the image in "photo" and an
// optional "caption".
func (h *Handler) SendPhoto(c echo.Context) error {
	chatID, err := chatIDParam(c)
	if err != nil {
		return err
	}
	fh, err := c.FormFile("photo")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "photo file is required")
	}
	if fh.Size > blobstore.MaxFileSize {
		return httpError(blobstore.ErrFileTooLarge)
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read photo")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, blobstore.MaxFileSize+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read photo")
	}

	msg, err := h.svc.SendPhoto(c.Request().Context(), chatID, fh.Filename, fh.Header.Get("Content-Type"),
		data, c.FormValue("caption"), sender(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, msg)
}

func (h *Handler) GetMedia(c echo.Context) error {
	media, err := h.svc.MediaURL(c.Request().Context(), c.QueryParam("key"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, media)
}
