package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

type Payment struct {
	Reference        string          `json:"reference"`
	IdempotencyKey   string          `json:"idempotencyKey,omitempty"`
	Email            string          `json:"email"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	PlanKey          string          `json:"plan"`
	PlanLabel        string          `json:"planLabel"`
	Gateway          string          `json:"gateway"`
	Status           Status          `json:"status"`
	RedirectURL      string          `json:"redirectUrl,omitempty"`
	PollURL          string          `json:"pollUrl,omitempty"`
	GatewayReference string          `json:"gatewayReference,omitempty"`
	LastError        string          `json:"lastError,omitempty"`
	Attempts         int             `json:"attempts"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// TransitionFields carries the optional values written together with a
// status change. Zero values are left untouched.
type TransitionFields struct {
	RedirectURL      string
	PollURL          string
	GatewayReference string
	LastError        string
	Attempts         int
}

// Apply moves p to status "to" and copies the non-zero fields. Callers are
// expected to have checked CanTransition first.
func (p *Payment) Apply(to Status, f TransitionFields, now time.Time) {
	p.Status = to
	if f.RedirectURL != "" && p.RedirectURL == "" {
		p.RedirectURL = f.RedirectURL
	}
	if f.PollURL != "" && p.PollURL == "" {
		p.PollURL = f.PollURL
	}
	if f.GatewayReference != "" {
		p.GatewayReference = f.GatewayReference
	}
	if f.LastError != "" {
		p.LastError = f.LastError
	}
	if f.Attempts > 0 {
		p.Attempts = f.Attempts
	}
	p.UpdatedAt = now.UTC()
}

// Expired reports whether the payment is older than ttl at now.
func (p *Payment) Expired(ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(p.CreatedAt) > ttl
}

func (p *Payment) Clone() *Payment {
	c := *p
	return &c
}
