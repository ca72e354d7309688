package lab

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Workflow endpoints – lab staff and admins
	lab := api.Group("", auth.RequireRole("admin", "lab_tech_plus", "lab_tech"))
	lab.POST("/specimens", h.RegisterSpecimen)
	lab.POST("/orders/:orderId/tests", h.RegisterTest)
	lab.POST("/specimens/:id/collect", h.CollectSpecimen)
	lab.POST("/specimens/:id/reject", h.RejectSpecimen)
	lab.POST("/orders/:orderId/tests/:testCode/results", h.EnterResults)
	lab.POST("/orders/:orderId/tests/:testCode/validate", h.ValidateResult)
	lab.POST("/orders/:orderId/tests/:testCode/reject", h.RejectResult)
	lab.POST("/orders/:orderId/tests/:testCode/critical", h.FlagCritical)

	// Critical-value acknowledgement – clinicians included
	ack := api.Group("", auth.RequireRole("admin", "lab_tech_plus", "lab_tech", "physician", "nurse"))
	ack.POST("/orders/:orderId/tests/:testCode/critical/ack", h.AcknowledgeCritical)

	// Read endpoints – clinicians can see workflow state too
	read := api.Group("", auth.RequireRole("admin", "lab_tech_plus", "lab_tech", "physician", "nurse"))
	read.GET("/specimens/:id", h.GetSpecimen)
	read.GET("/specimens/:id/chain", h.SpecimenChain)
	read.GET("/orders/:orderId/specimens", h.ListOrderSpecimens)
	read.GET("/orders/:orderId/tests", h.ListOrderTests)
	read.GET("/orders/:orderId/tests/:testCode/chain", h.TestChain)
	read.GET("/orders/:orderId/tests/:testCode/rejections", h.RejectionHistory)
	read.GET("/orders/:orderId/tests/:testCode/rejection-options", h.RejectionOptions)

	// Escalation endpoints – resolver roles only
	esc := api.Group("", auth.RequireRole("admin", "lab_tech_plus"))
	esc.GET("/escalations", h.ListEscalations)
	esc.POST("/escalations/:orderId/:testCode/resolve", h.ResolveEscalation)
}

// httpError maps workflow sentinels to HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUnauthorized):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrActionNotEnabled),
		errors.Is(err, ErrAlreadyTerminal),
		errors.Is(err, ErrAlreadyEscalated),
		errors.Is(err, ErrNotEscalated),
		errors.Is(err, ErrConcurrencyConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// -- Specimen Handlers --

func (h *Handler) RegisterSpecimen(c echo.Context) error {
	var sp Specimen
	if err := c.Bind(&sp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.RegisterSpecimen(c.Request().Context(), &sp); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sp)
}

func (h *Handler) RegisterTest(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("orderId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	var ot OrderTest
	if err := c.Bind(&ot); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ot.OrderID = orderID
	if err := h.svc.RegisterTest(c.Request().Context(), &ot); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, ot)
}

func (h *Handler) CollectSpecimen(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in CollectInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.Actor = auth.UserIDFromContext(c.Request().Context())
	sp, err := h.svc.CollectSpecimen(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sp)
}

func (h *Handler) RejectSpecimen(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in RejectSpecimenInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.Actor = auth.UserIDFromContext(c.Request().Context())
	res, err := h.svc.RejectSpecimen(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetSpecimen(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sp, err := h.svc.GetSpecimen(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sp)
}

func (h *Handler) SpecimenChain(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	chain, err := h.svc.SpecimenChain(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, chain)
}

// -- Result Handlers --

type enterResultsRequest struct {
	Values map[string]string `json:"values"`
	Notes  string            `json:"notes"`
}

func (h *Handler) EnterResults(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("orderId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	var req enterResultsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	ot, err := h.svc.EnterResults(c.Request().Context(), orderID, c.Param("testCode"), req.Values, req.Notes, actor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ot)
}

func (h *Handler) FlagCritical(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("orderId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	ot, err := h.svc.FlagCritical(c.Request().Context(), orderID, c.Param("testCode"), actor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ot)
}

func (h *Handler) AcknowledgeCritical(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("orderId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	ot, err := h.svc.AcknowledgeCritical(c.Request().Context(), orderID, c.Param("testCode"), actor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ot)
}

type validateRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) ValidateResult(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("orderId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	var req validateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	ot, err := h.svc.ValidateResult(c.Request().Context(), orderID, c.Param("testCode"), req.Notes, actor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ot)
}

func (h *Handler) RejectionOptions(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("orderId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	opts, err := h.svc.GetRejectionOptions(c.Request().Context(), orderID, c.Param("testCode"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, opts)
}

type rejectResultRequest struct {
	Reason        string        `json:"reason"`
	RejectionType RejectionType `json:"rejection_type"`
}

func (h *Handler) RejectResult(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("orderId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	testCode := c.Param("testCode")
	var req rejectResultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	res, err := h.svc.RejectResult(c.Request().Context(), orderID, testCode, req.Reason, req.RejectionType, actor)
	if err != nil {
		if errors.Is(err, ErrActionNotEnabled) {
			// Refused actions return the fresh option set so the caller can
			// re-render choices without a second round trip.
			payload := echo.Map{"error": err.Error()}
			if opts, optsErr := h.svc.GetRejectionOptions(c.Request().Context(), orderID, testCode); optsErr == nil {
				payload["options"] = opts
			}
			return c.JSON(http.StatusConflict, payload)
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListOrderTests(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("orderId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	items, err := h.svc.TestsByOrder(c.Request().Context(), orderID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListOrderSpecimens(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("orderId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	items, err := h.svc.SpecimensByOrder(c.Request().Context(), orderID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) TestChain(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("orderId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	items, err := h.svc.TestChain(c.Request().Context(), orderID, c.Param("testCode"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) RejectionHistory(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("orderId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	items, err := h.svc.RejectionHistory(c.Request().Context(), orderID, c.Param("testCode"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// -- Escalation Handlers --

func (h *Handler) ListEscalations(c echo.Context) error {
	pg := pagination.FromContext(c)
	roles := auth.RolesFromContext(c.Request().Context())
	items, total, err := h.svc.PendingEscalations(c.Request().Context(), roles, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ResolveEscalation(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("orderId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	var res EscalationResolution
	if err := c.Bind(&res); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	out, err := h.svc.ResolveEscalation(ctx, orderID, c.Param("testCode"),
		auth.UserIDFromContext(ctx), auth.RolesFromContext(ctx), res)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}
