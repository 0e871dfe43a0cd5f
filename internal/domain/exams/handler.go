package exams

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

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

// RegisterRoutes mounts the exam endpoints on an authenticated group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	send := auth.RequirePermission(auth.PermSendResults)

	g := api.Group("/exams")
	g.POST("", h.CreateVisit, auth.RequirePermission(auth.PermCreateExams))
	g.GET("", h.ListVisits)
	g.POST("/generate-results-token", h.GenerateResultsToken, send)
	g.POST("/send-results", h.SendResults, send)
	g.PUT("/update-message-status/:id", h.UpdateMessageStatus, send)
	g.GET("/:id", h.GetVisit)
	g.PUT("/:id", h.UpdateVisit, auth.RequirePermission(auth.PermEditExams))
	g.DELETE("/:id", h.DeleteVisit, auth.RequirePermission(auth.PermDeleteExams))
}

func (h *Handler) CreateVisit(c echo.Context) error {
	var in VisitInput
	if err := c.Bind(&in); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	a, err := h.svc.CreateVisit(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) ListVisits(c echo.Context) error {
	pg := pagination.FromContext(c)
	filters, err := parseFilters(c.QueryParam("filters"))
	if err != nil {
		return err
	}
	p := ListParams{
		Page:      pg.Page,
		Limit:     pg.Limit,
		SortField: c.QueryParam("sortField"),
		SortOrder: c.QueryParam("sortOrder"),
		Search:    strings.TrimSpace(c.QueryParam("search")),
		Filters:   filters,
	}
	items, total, err := h.svc.ListVisits(c.Request().Context(), p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetVisit(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetVisit(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) UpdateVisit(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var in VisitInput
	if err := c.Bind(&in); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	a, err := h.svc.UpdateVisit(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) DeleteVisit(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteVisit(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GenerateResultsToken(c echo.Context) error {
	var body struct {
		AnalysisID int64 `json:"analysisId"`
	}
	if err := c.Bind(&body); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	if body.AnalysisID <= 0 {
		return apperr.MissingFields("analysisId")
	}
	link, err := h.svc.GenerateResultsToken(c.Request().Context(), body.AnalysisID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, link)
}

func (h *Handler) SendResults(c echo.Context) error {
	var body struct {
		ID int64 `json:"id"`
	}
	if err := c.Bind(&body); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	if body.ID <= 0 {
		return apperr.MissingFields("id")
	}
	if _, err := h.svc.SendResults(c.Request().Context(), body.ID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":             body.ID,
		"message_status": StatusSent,
	})
}

func (h *Handler) UpdateMessageStatus(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body struct {
		Status MessageStatus `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return apperr.InvalidInput("invalid request body")
	}
	if body.Status == "" {
		return apperr.MissingFields("status")
	}
	if err := h.svc.UpdateMessageStatus(c.Request().Context(), id, body.Status); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":             id,
		"message_status": body.Status,
	})
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.InvalidInput("invalid id")
	}
	return id, nil
}

// parseFilters decodes the JSON object passed in the filters query parameter.
// Scalar values are kept as strings; nulls and empty strings are dropped.
func parseFilters(raw string) (map[string]string, error) {
	out := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, apperr.InvalidInput("filters must be a JSON object")
	}
	for k, v := range decoded {
		switch val := v.(type) {
		case nil:
		case string:
			if val != "" {
				out[k] = val
			}
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			return nil, apperr.InvalidInput("filter " + k + " must be a scalar value")
		}
	}
	return out, nil
}
