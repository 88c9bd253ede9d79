// Package payment_processor talks to external payment gateways and
// normalizes their answers into a small set of outcomes.
package payment_processor

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type Gateway interface {
	Name() string
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	Poll(ctx context.Context, pollURL string) (PollResult, error)
	// ParseCallback verifies and decodes a status notification pushed by the gateway.
	ParseCallback(body []byte) (PollResult, error)
}

type LineItem struct {
	Title  string
	Amount decimal.Decimal
}

type SubmitRequest struct {
	Reference string
	Email     string
	Items     []LineItem
}

func (r SubmitRequest) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range r.Items {
		total = total.Add(it.Amount)
	}
	return total
}

type SubmitResult struct {
	RedirectURL string
	PollURL     string
}

// Status is the normalized gateway-side state of a transaction.
type Status string

const (
	StatusPaid      Status = "paid"
	StatusPending   Status = "pending"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

type PollResult struct {
	Reference        string
	GatewayReference string
	Status           Status
	// RawStatus is the gateway's own wording, kept for logs.
	RawStatus string
	Amount    decimal.Decimal
	PollURL   string
}

type Kind int

const (
	KindRejected Kind = iota + 1
	KindTransient
	KindExpired
	KindInvalid
	// KindSignature marks a message whose hash does not verify.
	KindSignature
)

func (k Kind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindTransient:
		return "transient"
	case KindExpired:
		return "expired"
	case KindInvalid:
		return "invalid"
	case KindSignature:
		return "signature"
	}
	return "unknown"
}

// Error is the only error type gateway drivers return.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: %s", e.Kind, e.Detail)
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// KindOf reports the kind of a gateway error. Errors that did not come from a
// driver, such as a cancelled context, are treated as transient.
func KindOf(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindTransient
}
