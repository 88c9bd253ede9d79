// Package events carries terminal payment outcomes to side effects that must
// not run on the request path.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"payment-relay/internal/payments/entities"
)

type Event struct {
	ID               string          `json:"id"`
	Reference        string          `json:"reference"`
	Status           entities.Status `json:"status"`
	Source           string          `json:"source"`
	Email            string          `json:"email"`
	Plan             string          `json:"plan"`
	Amount           string          `json:"amount"`
	Currency         string          `json:"currency"`
	GatewayReference string          `json:"gatewayReference,omitempty"`
	OccurredAt       time.Time       `json:"occurredAt"`
}

func NewEvent(p *entities.Payment, source string) Event {
	return Event{
		ID:               uuid.NewString(),
		Reference:        p.Reference,
		Status:           p.Status,
		Source:           source,
		Email:            p.Email,
		Plan:             p.PlanKey,
		Amount:           p.Amount.StringFixed(2),
		Currency:         p.Currency,
		GatewayReference: p.GatewayReference,
		OccurredAt:       p.UpdatedAt,
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Handler consumes one event. A returned error leaves the event for redelivery
// where the transport supports it.
type Handler func(ctx context.Context, e Event) error

// Chain runs every handler and reports the first failure.
func Chain(handlers ...Handler) Handler {
	return func(ctx context.Context, e Event) error {
		var first error
		for _, h := range handlers {
			if err := h(ctx, e); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
}

func LogHandler(logger *slog.Logger) Handler {
	return func(ctx context.Context, e Event) error {
		logger.InfoContext(ctx, "payment settled",
			"event", e.ID, "reference", e.Reference, "status", e.Status, "source", e.Source)
		return nil
	}
}

var (
	ErrBufferFull = errors.New("event buffer full")
	ErrClosed     = errors.New("event publisher closed")
)
