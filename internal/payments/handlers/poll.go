package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"payment-relay/internal/payments"
	"payment-relay/internal/payments/entities"
)

type PollHandler struct {
	coordinator *payments.Coordinator
	logger      *slog.Logger
}

func NewPollHandler(c *payments.Coordinator, logger *slog.Logger) *PollHandler {
	return &PollHandler{coordinator: c, logger: logger}
}

type pollRequest struct {
	Reference string `json:"reference"`
	PollURL   string `json:"pollUrl"`
}

// statusProjection is what callers see of a payment record.
type statusProjection struct {
	Reference   string          `json:"reference"`
	Status      entities.Status `json:"status"`
	Paid        bool            `json:"paid"`
	RedirectURL string          `json:"redirectUrl,omitempty"`
	PollURL     string          `json:"pollUrl,omitempty"`
	Amount      string          `json:"amount"`
	Currency    string          `json:"currency"`
	Plan        string          `json:"plan"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func project(p *entities.Payment) statusProjection {
	return statusProjection{
		Reference:   p.Reference,
		Status:      p.Status,
		Paid:        p.Status == entities.StatusConfirmed,
		RedirectURL: p.RedirectURL,
		PollURL:     p.PollURL,
		Amount:      p.Amount.StringFixed(2),
		Currency:    p.Currency,
		Plan:        p.PlanKey,
		UpdatedAt:   p.UpdatedAt,
	}
}

func (h *PollHandler) Handle(c echo.Context) error {
	var req pollRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request"})
	}

	p, err := h.coordinator.Poll(c.Request().Context(), payments.PollRequest{
		Reference: req.Reference,
		PollURL:   req.PollURL,
	})
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, project(p))
}
