package billing

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careledger/careledger/internal/platform/auth"
	"github.com/careledger/careledger/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin", "billing"))

	g.POST("/invoices", h.CreateInvoice)
	g.GET("/invoices", h.ListInvoices)
	g.GET("/invoices/:id", h.GetInvoice)
	g.PUT("/invoices/:id", h.UpdateInvoice)
	g.DELETE("/invoices/:id", h.DeleteInvoice)
	g.POST("/invoices/:id/send", h.SendInvoice)
	g.POST("/invoices/:id/cancel", h.CancelInvoice)
	g.GET("/invoices/:id/items", h.GetInvoiceItems)

	g.POST("/invoices/:id/payments", h.CreatePayment)
	g.GET("/invoices/:id/payments", h.ListInvoicePayments)
	g.GET("/payments", h.ListPayments)
	g.GET("/payments/:id", h.GetPayment)

	g.GET("/billing-settings", h.GetSettings)
	g.PUT("/billing-settings", h.UpdateSettings)
}

// httpError maps billing error kinds onto HTTP statuses. Anything that is not
// a billing error is an internal failure.
func httpError(err error) error {
	if kind, ok := KindOf(err); ok {
		switch kind {
		case KindValidation:
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case KindNotFound:
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case KindConflict:
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Invoices --

func (h *Handler) CreateInvoice(c echo.Context) error {
	var in CreateInvoiceInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	createdBy := auth.UserIDFromContext(c.Request().Context())
	inv, err := h.svc.CreateInvoice(c.Request().Context(), in, createdBy)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, inv)
}

func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.GetInvoice(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) ListInvoices(c echo.Context) error {
	pg := pagination.FromContext(c)

	var filter InvoiceFilter
	if v := c.QueryParam("patient_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		filter.PatientID = &pid
	}
	filter.Status = c.QueryParam("status")
	filter.Currency = c.QueryParam("currency")
	if v := c.QueryParam("issued_from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid issued_from, expected YYYY-MM-DD")
		}
		filter.IssuedFrom = &t
	}
	if v := c.QueryParam("issued_to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid issued_to, expected YYYY-MM-DD")
		}
		filter.IssuedTo = &t
	}

	invoices, total, err := h.svc.ListInvoices(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(invoices, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateInvoice(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var patch UpdateInvoicePatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	inv, err := h.svc.UpdateInvoice(c.Request().Context(), id, patch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) DeleteInvoice(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteInvoice(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SendInvoice(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.SendInvoice(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) CancelInvoice(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.CancelInvoice(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) GetInvoiceItems(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.GetInvoiceItems(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// -- Payments --

func (h *Handler) CreatePayment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in ApplyPaymentInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	processedBy := auth.UserIDFromContext(c.Request().Context())
	payment, err := h.svc.ApplyPayment(c.Request().Context(), id, in, processedBy)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, payment)
}

func (h *Handler) ListInvoicePayments(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	payments, total, err := h.svc.ListPayments(c.Request().Context(), &id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(payments, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListPayments(c echo.Context) error {
	pg := pagination.FromContext(c)
	var invoiceID *uuid.UUID
	if v := c.QueryParam("invoice_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid invoice_id")
		}
		invoiceID = &id
	}
	payments, total, err := h.svc.ListPayments(c.Request().Context(), invoiceID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(payments, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetPayment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	payment, err := h.svc.GetPayment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, payment)
}

// -- Settings --

func (h *Handler) GetSettings(c echo.Context) error {
	settings, err := h.svc.GetSettings(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, settings)
}

func (h *Handler) UpdateSettings(c echo.Context) error {
	var patch SettingsPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	settings, err := h.svc.UpdateSettings(c.Request().Context(), patch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, settings)
}
