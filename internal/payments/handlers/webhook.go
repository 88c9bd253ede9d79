package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"payment-relay/internal/auth"
	"payment-relay/internal/payment_processor"
	"payment-relay/internal/payments"
)

const maxWebhookBody = 64 << 10

// WebhookHandler accepts status pushes. Gateways post their own signed form
// payload; trusted internal components may post JSON with the relay secret.
type WebhookHandler struct {
	coordinator *payments.Coordinator
	gateways    *payment_processor.Manager
	auth        *auth.Authorizer
	logger      *slog.Logger
}

func NewWebhookHandler(c *payments.Coordinator, gateways *payment_processor.Manager, a *auth.Authorizer, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{coordinator: c, gateways: gateways, auth: a, logger: logger}
}

type webhookJSON struct {
	Reference        string           `json:"reference"`
	Status           string           `json:"status"`
	GatewayReference string           `json:"gatewayReference"`
	Amount           *decimal.Decimal `json:"amount"`
}

type webhookAck struct {
	Received bool `json:"received"`
}

func (h *WebhookHandler) Handle(c echo.Context) error {
	name := c.Param("gateway")
	gw, ok := h.gateways.Get(name)
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "unknown gateway"})
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "unreadable body"})
	}

	var update payments.StatusUpdate
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		if err := h.auth.Authorize(c.Request().Header); err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		}
		var msg webhookJSON
		if err := json.Unmarshal(body, &msg); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid payload"})
		}
		update = payments.StatusUpdate{
			Reference:        msg.Reference,
			GatewayReference: msg.GatewayReference,
			Status:           payment_processor.Status(strings.ToLower(strings.TrimSpace(msg.Status))),
		}
		if msg.Amount != nil {
			update.Amount = *msg.Amount
		}
	} else {
		res, err := gw.ParseCallback(body)
		if err != nil {
			h.logger.Warn("rejected gateway callback", "gateway", name, "error", err)
			if payment_processor.KindOf(err) == payment_processor.KindSignature {
				return c.JSON(http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
			}
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid payload"})
		}
		update = payments.StatusUpdate{
			Reference:        res.Reference,
			GatewayReference: res.GatewayReference,
			Status:           res.Status,
			Amount:           res.Amount,
		}
	}

	// Reconciliation outcomes other than a malformed update are acknowledged
	// so the gateway does not redeliver.
	if _, err := h.coordinator.Reconcile(c.Request().Context(), payments.SourceWebhook, update); err != nil {
		if errors.Is(err, payments.ErrValidation) {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		}
		h.logger.Info("webhook acknowledged without change", "gateway", name, "reference", update.Reference, "error", err)
	}
	return c.JSON(http.StatusOK, webhookAck{Received: true})
}
