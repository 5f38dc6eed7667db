package patient

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medflow/medflow/internal/platform/auth"
	"github.com/medflow/medflow/internal/platform/blobstore"
	"github.com/medflow/medflow/internal/platform/notification"
	"github.com/medflow/medflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the patient endpoints on g (/api/patient). The group
// must sit behind the JWT and authorized-account middleware.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.CreatePatient)
	g.GET("", h.ListPatients)
	g.GET("/:id", h.GetPatient)
	g.PATCH("/:id", h.UpdatePatient)
	g.DELETE("/:id", h.DeletePatient)

	g.POST("/:id/notes", h.AddNote)
	g.GET("/:id/notes", h.ListNotes)

	g.POST("/:id/photos", h.UploadPhoto)
	g.GET("/:id/photos", h.ListPhotos)

	g.POST("/:id/whatsapp", h.SendWhatsApp)
}

// HTTPError maps patient errors onto HTTP responses.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNoPhone):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, blobstore.ErrInvalidContentType):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrRxOrderNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyFulfilled), errors.Is(err, ErrAlreadyInvalidated), errors.Is(err, ErrConcurrentUpdate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, notification.ErrNoSender):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "whatsapp delivery is not configured")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// AuthorFromContext builds the note/order author from the caller's claims.
func AuthorFromContext(c echo.Context) Author {
	claims := auth.ClaimsFromContext(c.Request().Context())
	if claims == nil {
		return Author{}
	}
	id, _ := claims.UserID()
	return Author{ID: id, Name: claims.DisplayName()}
}

// PathID parses the :id route parameter.
func PathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	return id, nil
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.Create(c.Request().Context(), AuthorFromContext(c), &req)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := PathID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := ListFilter{Status: c.QueryParam("status"), Query: c.QueryParam("q")}
	items, total, err := h.svc.List(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(c, items, total, pg))
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := PathID(c)
	if err != nil {
		return err
	}
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.Update(c.Request().Context(), id, &req)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	id, err := PathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) AddNote(c echo.Context) error {
	id, err := PathID(c)
	if err != nil {
		return err
	}
	var req NoteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	note, err := h.svc.AddNote(c.Request().Context(), id, AuthorFromContext(c), &req)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, note)
}

func (h *Handler) ListNotes(c echo.Context) error {
	id, err := PathID(c)
	if err != nil {
		return err
	}
	notes, err := h.svc.ListNotes(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, notes)
}

// UploadPhoto accepts a multipart form with the image in the "photo" field.
func (h *Handler) UploadPhoto(c echo.Context) error {
	id, err := PathID(c)
	if err != nil {
		return err
	}
	fh, err := c.FormFile("photo")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "photo file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read photo")
	}
	defer f.Close()

	key, err := h.svc.UploadPhoto(c.Request().Context(), id, fh.Header.Get("Content-Type"), fh.Size, f)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"key": key})
}

func (h *Handler) ListPhotos(c echo.Context) error {
	id, err := PathID(c)
	if err != nil {
		return err
	}
	urls, err := h.svc.PhotoURLs(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, urls)
}

func (h *Handler) SendWhatsApp(c echo.Context) error {
	id, err := PathID(c)
	if err != nil {
		return err
	}
	var req WhatsAppRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	n, err := h.svc.SendWhatsApp(c.Request().Context(), id, &req)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusAccepted, n)
}
