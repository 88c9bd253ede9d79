package handlers

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"payment-relay/internal/auth"
	"payment-relay/internal/payment_processor"
	"payment-relay/internal/payments"
)

func Register(e *echo.Echo, c *payments.Coordinator, gateways *payment_processor.Manager, a *auth.Authorizer, logger *slog.Logger) {
	guard := a.Middleware()

	e.GET("/health", NewHealthHandler(gateways).Handle)
	e.POST("/create-payment", NewCreatePaymentHandler(c, logger).Handle, guard)
	e.POST("/poll", NewPollHandler(c, logger).Handle, guard)
	e.POST("/webhook/:gateway", NewWebhookHandler(c, gateways, a, logger).Handle)
}
