// Package repository holds the payment registry: the single source of truth
// for in-flight and completed payments, keyed by reference.
package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"payment-relay/internal/payments/entities"
)

type conflictError struct{ msg string }

func (e *conflictError) Error() string { return e.msg }

func (e *conflictError) Is(target error) bool { return target == ErrConflict }

var (
	ErrNotFound  = errors.New("payment not found")
	ErrDuplicate = errors.New("payment reference or idempotency key already registered")
	ErrConflict  = errors.New("payment transition conflict")

	// ErrTerminal and ErrInvalidTransition both match ErrConflict.
	ErrTerminal          error = &conflictError{"payment is in a terminal state"}
	ErrInvalidTransition error = &conflictError{"payment transition not allowed"}
)

// Registry stores payment records. Transition is atomic per reference and
// never serializes unrelated references. On conflict it returns the current
// record alongside the error so callers can tell duplicates from regressions.
type Registry interface {
	Insert(ctx context.Context, p *entities.Payment) error
	Get(ctx context.Context, reference string) (*entities.Payment, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*entities.Payment, error)
	Transition(ctx context.Context, reference string, to entities.Status, f entities.TransitionFields) (*entities.Payment, error)
	ListExpirable(ctx context.Context, createdBefore time.Time, limit int) ([]*entities.Payment, error)
	Close() error
}

// expirable are the statuses the expiry sweep may move to Expired.
var expirable = entities.Sources(entities.StatusExpired)

func isExpirable(s entities.Status) bool {
	for _, e := range expirable {
		if e == s {
			return true
		}
	}
	return false
}

// transition validates and applies a status change on p in place.
func transition(p *entities.Payment, to entities.Status, f entities.TransitionFields, now time.Time) error {
	if p.Status.IsTerminal() {
		return errors.Wrapf(ErrTerminal, "%s is %s", p.Reference, p.Status)
	}
	if !entities.CanTransition(p.Status, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s: %s -> %s", p.Reference, p.Status, to)
	}
	if to == entities.StatusSent && (f.RedirectURL == "" || f.PollURL == "") {
		return errors.Wrapf(ErrInvalidTransition, "%s: sent without gateway urls", p.Reference)
	}
	p.Apply(to, f, now)
	return nil
}

func validateNew(p *entities.Payment) error {
	if p.Reference == "" {
		return errors.New("payment reference is required")
	}
	if p.Status != entities.StatusCreated {
		return errors.Errorf("new payment %s must be %s, got %s", p.Reference, entities.StatusCreated, p.Status)
	}
	return nil
}
