package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"payment-relay/internal/auth"
	"payment-relay/internal/payments"
	"payment-relay/internal/payments/repository"
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps coordinator errors to status codes. Gateway and storage
// details stay in the logs.
func writeError(c echo.Context, logger *slog.Logger, err error) error {
	switch {
	case errors.Is(err, payments.ErrValidation):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, auth.ErrUnauthorized):
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: "payment not found"})
	case errors.Is(err, payments.ErrInProgress):
		return c.JSON(http.StatusConflict, errorResponse{Error: payments.ErrInProgress.Error()})
	case errors.Is(err, payments.ErrGatewayRejected):
		return c.JSON(http.StatusBadGateway, errorResponse{Error: payments.ErrGatewayRejected.Error()})
	case errors.Is(err, payments.ErrGatewayUnavailable):
		return c.JSON(http.StatusBadGateway, errorResponse{Error: payments.ErrGatewayUnavailable.Error()})
	default:
		logger.Error("request failed", "path", c.Path(), "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
