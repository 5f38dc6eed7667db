package medication

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medflow/medflow/internal/domain/patient"
	"github.com/medflow/medflow/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts order issuing on patientGroup (/api/patient, behind
// authentication) and the QR holder endpoints on qrGroup
// (/api/rx-order-qr-code). prescriber guards order creation. Validate and
// invalidate need the pharmacy token from the "token" query parameter or
// the X-Pharmacy-Token header.
func (h *Handler) RegisterRoutes(patientGroup, qrGroup *echo.Group, prescriber ...echo.MiddlewareFunc) {
	patientGroup.POST("/:id/rx-orders", h.CreateOrder, prescriber...)
	patientGroup.GET("/:id/rx-orders", h.ListOrders)

	qrGroup.GET("", h.LookupByQuery)
	qrGroup.GET("/:ref", h.Lookup)
	qrGroup.POST("/:ref/validate", h.Validate)
	qrGroup.POST("/:ref/invalidate", h.Invalidate)
}

func httpError(err error) error {
	if errors.Is(err, ErrInvalidRef) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, ErrPharmacyToken) {
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	return patient.HTTPError(err)
}

func pharmacyToken(c echo.Context) string {
	if t := c.QueryParam("token"); t != "" {
		return t
	}
	return c.Request().Header.Get("X-Pharmacy-Token")
}

func pathRef(c echo.Context) (Ref, error) {
	ref, err := ParseRef(c.Param("ref"))
	if err != nil {
		return Ref{}, httpError(err)
	}
	return ref, nil
}

func (h *Handler) CreateOrder(c echo.Context) error {
	id, err := patient.PathID(c)
	if err != nil {
		return err
	}
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	order, err := h.svc.Create(c.Request().Context(), id, patient.AuthorFromContext(c), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, order)
}

func (h *Handler) ListOrders(c echo.Context) error {
	id, err := patient.PathID(c)
	if err != nil {
		return err
	}
	orders, err := h.svc.ListForPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, orders)
}

// LookupByQuery serves ?truncatedId=&uuid= links.
func (h *Handler) LookupByQuery(c echo.Context) error {
	ref, err := NewRef(c.QueryParam("truncatedId"), c.QueryParam("uuid"))
	if err != nil {
		return httpError(err)
	}
	res, err := h.svc.Lookup(c.Request().Context(), ref)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Lookup(c echo.Context) error {
	ref, err := pathRef(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Lookup(c.Request().Context(), ref)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Validate(c echo.Context) error {
	ref, err := pathRef(c)
	if err != nil {
		return err
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	res, err := h.svc.Validate(c.Request().Context(), ref, pharmacyToken(c), actor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Invalidate(c echo.Context) error {
	ref, err := pathRef(c)
	if err != nil {
		return err
	}
	var req InvalidateRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	res, err := h.svc.Invalidate(c.Request().Context(), ref, pharmacyToken(c), actor, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}
