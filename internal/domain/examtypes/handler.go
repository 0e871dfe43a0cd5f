package examtypes

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/labresults/lims/internal/platform/apperr"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the read-only reference endpoints on an authenticated group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/examination-types", h.ListExaminationTypes)
	api.GET("/examination-types/:id", h.GetExaminationType)
}

func (h *Handler) ListExaminationTypes(c echo.Context) error {
	items, err := h.svc.ListExaminationTypes(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

func (h *Handler) GetExaminationType(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return apperr.InvalidInput("invalid id")
	}
	t, err := h.svc.GetExaminationType(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}
