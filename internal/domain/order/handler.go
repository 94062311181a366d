package order

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medscribe/orders/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/orders/ingest", h.IngestOrder)
	api.POST("/orders/reconcile", h.ReconcileBatch)
	api.GET("/orders/:id", h.GetOrder)
	api.DELETE("/orders/:id", h.CancelOrder)
	api.GET("/patients/:patientId/orders", h.ListPatientOrders)
	api.POST("/patients/:patientId/orders/cleanup", h.CleanupPatientOrders)
}

// IngestRequest carries one candidate plus an optional duplicate scope
// ("patient" or "encounter"; defaults to patient).
type IngestRequest struct {
	Order *OrderCandidate `json:"order"`
	Scope string          `json:"scope"`
}

func (h *Handler) IngestOrder(c echo.Context) error {
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Order == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "order is required")
	}

	decision, err := h.svc.IngestOne(c.Request().Context(), req.Order, Scope(req.Scope))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	status := http.StatusOK
	if decision.Outcome == OutcomeCreated {
		status = http.StatusCreated
	}
	return c.JSON(status, decision)
}

// ReconcileRequest carries the two order sets to converge plus optional
// narrative context passed through to the semantic reconciler.
type ReconcileRequest struct {
	ExistingOrders []*OrderCandidate `json:"existing_orders"`
	NewOrders      []*OrderCandidate `json:"new_orders"`
	Context        string            `json:"context"`
}

func (h *Handler) ReconcileBatch(c echo.Context) error {
	var req ReconcileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.ExistingOrders) == 0 && len(req.NewOrders) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one order is required")
	}

	summary, err := h.svc.IngestBatch(c.Request().Context(), req.ExistingOrders, req.NewOrders, req.Context)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, summary)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) CancelOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.CancelOrder(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "order not found")
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListPatientOrders(c echo.Context) error {
	pid, err := uuid.Parse(c.Param("patientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListOrdersByPatient(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) CleanupPatientOrders(c echo.Context) error {
	pid, err := uuid.Parse(c.Param("patientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	result, err := h.svc.Cleanup(c.Request().Context(), pid)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}
