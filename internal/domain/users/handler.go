package users

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/labresults/lims/internal/platform/apperr"
	"github.com/labresults/lims/internal/platform/auth"
	"github.com/labresults/lims/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterPublicRoutes mounts the endpoints reachable without a session.
func (h *Handler) RegisterPublicRoutes(api *echo.Group) {
	api.POST("/auth/login", h.Login)
	api.POST("/auth/forgot-password", h.ForgotPassword)
	api.POST("/auth/reset-password", h.ResetPassword)
	api.POST("/auth/activate", h.Activate)
}

// RegisterRoutes mounts session and user management endpoints on an
// authenticated group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/auth/logout", h.Logout)
	api.GET("/auth/me", h.Me)

	admin := auth.RequireAdmin()
	api.GET("/users", h.ListUsers, admin)
	api.POST("/users", h.CreateUser, admin)
	api.GET("/users/:id", h.GetUser, admin)
	api.PUT("/users/:id", h.UpdateUser, admin)
	api.DELETE("/users/:id", h.DeleteUser, admin)
	api.POST("/users/:id/resend-invitation", h.ResendInvitation, admin)
}

func (h *Handler) Login(c echo.Context) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.Bind(&body); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	sess, err := h.svc.Login(c.Request().Context(), body.Email, body.Password)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) Logout(c echo.Context) error {
	ctx := c.Request().Context()
	p := auth.PrincipalFromContext(ctx)
	if p == nil {
		return apperr.Unauthorized("authentication required")
	}
	if err := h.svc.Logout(ctx, p.UserID, auth.ClaimsFromContext(ctx)); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "logged out"})
}

func (h *Handler) Me(c echo.Context) error {
	p := auth.PrincipalFromContext(c.Request().Context())
	if p == nil {
		return apperr.Unauthorized("authentication required")
	}
	u, err := h.svc.Me(c.Request().Context(), p.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) ForgotPassword(c echo.Context) error {
	var body struct {
		Email string `json:"email"`
	}
	if err := c.Bind(&body); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	if body.Email == "" {
		return apperr.MissingFields("email")
	}
	h.svc.ForgotPassword(c.Request().Context(), body.Email)
	return c.JSON(http.StatusOK, map[string]string{
		"message": "if the email belongs to an account, a reset link has been sent",
	})
}

type tokenPasswordBody struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func bindTokenPassword(c echo.Context) (tokenPasswordBody, error) {
	var body tokenPasswordBody
	if err := c.Bind(&body); err != nil {
		return body, apperr.InvalidInput("invalid request body")
	}
	var missing []string
	if body.Token == "" {
		missing = append(missing, "token")
	}
	if body.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return body, apperr.MissingFields(missing...)
	}
	return body, nil
}

func (h *Handler) ResetPassword(c echo.Context) error {
	body, err := bindTokenPassword(c)
	if err != nil {
		return err
	}
	if err := h.svc.ResetPassword(c.Request().Context(), body.Token, body.Password); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "password updated"})
}

func (h *Handler) Activate(c echo.Context) error {
	body, err := bindTokenPassword(c)
	if err != nil {
		return err
	}
	u, err := h.svc.Activate(c.Request().Context(), body.Token, body.Password)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) ListUsers(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListUsers(c.Request().Context(), pg)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) CreateUser(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	u, warning, err := h.svc.CreateUser(c.Request().Context(), in)
	if err != nil {
		return err
	}
	resp := map[string]interface{}{"user": u}
	if warning != "" {
		resp["warning"] = warning
	}
	return c.JSON(http.StatusCreated, resp)
}

func (h *Handler) GetUser(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	u, err := h.svc.GetUser(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) UpdateUser(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var in UpdateInput
	if err := c.Bind(&in); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	u, err := h.svc.UpdateUser(c.Request().Context(), actorID(c), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) DeleteUser(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteUser(c.Request().Context(), actorID(c), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ResendInvitation(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.ResendInvitation(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "invitation sent"})
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.InvalidInput("invalid id")
	}
	return id, nil
}

func actorID(c echo.Context) int64 {
	if p := auth.PrincipalFromContext(c.Request().Context()); p != nil {
		return p.UserID
	}
	return 0
}
