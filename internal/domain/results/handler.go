package results

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/labresults/lims/internal/domain/exams"
)

// Visits is the part of the exams service the public page needs.
type Visits interface {
	GetVisit(ctx context.Context, id int64) (*exams.Analysis, error)
	MarkRead(ctx context.Context, id int64) error
}

// PublicResults is what a patient sees behind a results link.
type PublicResults struct {
	*exams.Analysis
	LabName string `json:"lab_name"`
}

type Handler struct {
	tokens  *TokenService
	visits  Visits
	labName string
}

func NewHandler(tokens *TokenService, visits Visits, labName string) *Handler {
	return &Handler{tokens: tokens, visits: visits, labName: labName}
}

// RegisterRoutes mounts the unauthenticated results endpoints.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/results/:token", h.GetResults)
	api.POST("/results/:token/read", h.MarkRead)
}

// GetResults returns the visit without touching its message status.
func (h *Handler) GetResults(c echo.Context) error {
	id, err := h.tokens.Verify(c.Param("token"))
	if err != nil {
		return err
	}
	a, err := h.visits.GetVisit(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, PublicResults{Analysis: a, LabName: h.labName})
}

func (h *Handler) MarkRead(c echo.Context) error {
	id, err := h.tokens.Verify(c.Param("token"))
	if err != nil {
		return err
	}
	if err := h.visits.MarkRead(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":             id,
		"message_status": exams.StatusRead,
	})
}
