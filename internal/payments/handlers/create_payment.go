package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"payment-relay/internal/payments"
)

type CreatePaymentHandler struct {
	coordinator *payments.Coordinator
	logger      *slog.Logger
}

func NewCreatePaymentHandler(c *payments.Coordinator, logger *slog.Logger) *CreatePaymentHandler {
	return &CreatePaymentHandler{coordinator: c, logger: logger}
}

type createPaymentRequest struct {
	Email     string           `json:"email"`
	Plan      string           `json:"plan"`
	Amount    *decimal.Decimal `json:"amount"`
	Reference string           `json:"reference"`
}

type createPaymentResponse struct {
	Success     bool   `json:"success"`
	RedirectURL string `json:"redirectUrl"`
	PollURL     string `json:"pollUrl"`
	Reference   string `json:"reference"`
}

func (h *CreatePaymentHandler) Handle(c echo.Context) error {
	var req createPaymentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request"})
	}

	res, err := h.coordinator.Create(c.Request().Context(), payments.CreateRequest{
		Email:     req.Email,
		Plan:      req.Plan,
		Amount:    req.Amount,
		Reference: req.Reference,
	})
	if err != nil {
		return writeError(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, createPaymentResponse{
		Success:     true,
		RedirectURL: res.RedirectURL,
		PollURL:     res.PollURL,
		Reference:   res.Reference,
	})
}
