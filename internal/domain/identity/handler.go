package identity

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medflow/medflow/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the public auth endpoints on authGroup and the
// caller's own account endpoints on userGroup, which must sit behind the
// JWT middleware.
func (h *Handler) RegisterRoutes(authGroup, userGroup *echo.Group) {
	authGroup.POST("/signup", h.Signup)
	authGroup.POST("/login", h.Login)
	authGroup.GET("/security-questions", h.GetSecurityQuestions)
	authGroup.POST("/verify-security-answers", h.VerifySecurityAnswers)
	authGroup.POST("/reset-password", h.ResetPassword)
	authGroup.POST("/reset-password-link", h.ResetPasswordWithLink)

	userGroup.GET("/me", h.Me)
	userGroup.PUT("/security-questions", h.UpdateSecurityQuestions)
}

// HTTPError maps identity errors onto HTTP responses.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrAccountDenied), errors.Is(err, ErrAccountPending):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrAnswersMismatch):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrInvalidCode), errors.Is(err, ErrInvalidResetToken):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoQuestions), errors.Is(err, ErrAdminNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrEmailTaken), errors.Is(err, ErrAlreadyAdmin):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) Signup(c echo.Context) error {
	var req SignupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.Signup(c.Request().Context(), &req)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.Login(c.Request().Context(), &req)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetSecurityQuestions(c echo.Context) error {
	questions, err := h.svc.SecurityQuestions(c.Request().Context(), c.QueryParam("email"))
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"questions": questions})
}

func (h *Handler) VerifySecurityAnswers(c echo.Context) error {
	var req VerifyAnswersRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	code, err := h.svc.VerifySecurityAnswers(c.Request().Context(), &req)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, code)
}

func (h *Handler) ResetPassword(c echo.Context) error {
	var req ResetWithCodeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.ResetWithCode(c.Request().Context(), &req); err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "password updated"})
}

func (h *Handler) ResetPasswordWithLink(c echo.Context) error {
	var req ResetWithLinkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.ResetWithLink(c.Request().Context(), &req); err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "password updated"})
}

func (h *Handler) Me(c echo.Context) error {
	ctx := c.Request().Context()
	claims := auth.ClaimsFromContext(ctx)
	if claims == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	profile, err := h.svc.Me(ctx, auth.UserIDFromContext(ctx))
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, profile)
}

func (h *Handler) UpdateSecurityQuestions(c echo.Context) error {
	ctx := c.Request().Context()
	if auth.ClaimsFromContext(ctx) == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	var req UpdateSecurityQuestionsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	u, err := h.svc.UpdateSecurityQuestions(ctx, auth.UserIDFromContext(ctx), &req)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"questions": u.Questions()})
}
