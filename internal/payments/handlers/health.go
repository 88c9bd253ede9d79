package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"payment-relay/internal/payment_processor"
)

type HealthHandler struct {
	gateways *payment_processor.Manager
	now      func() time.Time
}

func NewHealthHandler(gateways *payment_processor.Manager) *HealthHandler {
	return &HealthHandler{gateways: gateways, now: time.Now}
}

type healthResponse struct {
	Status       string    `json:"status"`
	Service      string    `json:"service"`
	PaynowReady  bool      `json:"paynowReady"`
	GatewayReady bool      `json:"gatewayReady"`
	Timestamp    time.Time `json:"timestamp"`
}

func (h *HealthHandler) Handle(c echo.Context) error {
	_, paynow := h.gateways.Get(payment_processor.PaynowName)
	return c.JSON(http.StatusOK, healthResponse{
		Status:       "ok",
		Service:      "paynow-relay",
		PaynowReady:  paynow,
		GatewayReady: h.gateways.Ready(),
		Timestamp:    h.now().UTC(),
	})
}
