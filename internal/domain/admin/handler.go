package admin

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medflow/medflow/internal/domain/identity"
	"github.com/medflow/medflow/internal/platform/auth"
	"github.com/medflow/medflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the admin endpoints. The group must already carry
// the JWT and admin middleware.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/pending-users", h.ListPending)
	g.GET("/approved-users", h.ListApproved)
	g.GET("/denied-users", h.ListDenied)
	g.POST("/approve", h.Approve)
	g.POST("/deny", h.Deny)
	g.POST("/reapprove", h.Reapprove)
	g.GET("/users/export", h.ExportUsers)
	g.DELETE("/users/:id", h.DenyAndDelete)
	g.POST("/users/:id/reset-link", h.IssueResetLink)
	g.GET("/admins", h.ListAdmins)
	g.POST("/admins", h.Promote)
	g.DELETE("/admins/:userId", h.Demote)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrLastAdmin), errors.Is(err, ErrSelfAction),
		errors.Is(err, ErrNotDenied), errors.Is(err, ErrNotApproved):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, identity.ErrAdminNotFound):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return identity.HTTPError(err)
	}
}

func actorID(c echo.Context) uuid.UUID {
	return auth.UserIDFromContext(c.Request().Context())
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Listings --

func (h *Handler) listUsers(c echo.Context, filter identity.UserFilter) error {
	pg := pagination.FromContext(c)
	users, total, err := h.svc.ListUsers(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(c, users, total, pg))
}

func (h *Handler) ListPending(c echo.Context) error {
	return h.listUsers(c, identity.FilterPending)
}

func (h *Handler) ListApproved(c echo.Context) error {
	return h.listUsers(c, identity.FilterApproved)
}

func (h *Handler) ListDenied(c echo.Context) error {
	return h.listUsers(c, identity.FilterDenied)
}

func (h *Handler) ListAdmins(c echo.Context) error {
	pg := pagination.FromContext(c)
	admins, total, err := h.svc.ListAdmins(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(c, admins, total, pg))
}

// -- Decisions --

func (h *Handler) Approve(c echo.Context) error {
	var req BulkUsersRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.Approve(c.Request().Context(), actorID(c), req.UserIDs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Deny(c echo.Context) error {
	var req BulkUsersRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.Deny(c.Request().Context(), actorID(c), req.UserIDs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Reapprove(c echo.Context) error {
	var req UserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := req.ID()
	if err != nil {
		return httpError(err)
	}
	u, err := h.svc.Reapprove(c.Request().Context(), actorID(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) DenyAndDelete(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DenyAndDelete(c.Request().Context(), actorID(c), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) IssueResetLink(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	link, err := h.svc.IssueResetLink(c.Request().Context(), actorID(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, link)
}

func (h *Handler) ExportUsers(c echo.Context) error {
	data, err := h.svc.ExportUsers(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	name := fmt.Sprintf("medflow_users_%s.xlsx", time.Now().UTC().Format("20060102_150405"))
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	return c.Blob(http.StatusOK, ExportContentType, data)
}

// -- Admin Records --

func (h *Handler) Promote(c echo.Context) error {
	var req UserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := req.ID()
	if err != nil {
		return httpError(err)
	}
	a, err := h.svc.Promote(c.Request().Context(), actorID(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) Demote(c echo.Context) error {
	id, err := pathID(c, "userId")
	if err != nil {
		return err
	}
	if err := h.svc.Demote(c.Request().Context(), actorID(c), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
