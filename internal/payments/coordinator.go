// Package payments drives a payment from creation to a terminal state:
// submission to the gateway with bounded retries, then reconciliation from
// webhooks, polls and the expiry sweep.
package payments

import (
	"context"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"payment-relay/internal/config"
	"payment-relay/internal/events"
	"payment-relay/internal/infra"
	"payment-relay/internal/payment_processor"
	"payment-relay/internal/payments/entities"
	"payment-relay/internal/payments/reference"
	"payment-relay/internal/payments/repository"
)

type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
	SourceSweep   Source = "sweep"
	SourceCreate  Source = "create"
)

const (
	customPlanKey   = "custom"
	customPlanLabel = "Custom Payment"
	maxKeyLength    = 128
	sweepBatch      = 500
)

type CreateRequest struct {
	Email     string
	Plan      string
	Amount    *decimal.Decimal
	Reference string
}

type CreateResult struct {
	Reference   string
	RedirectURL string
	PollURL     string
}

// StatusUpdate is a gateway-sourced status for one reference.
type StatusUpdate struct {
	Reference        string
	GatewayReference string
	Status           payment_processor.Status
	Amount           decimal.Decimal
}

type PollRequest struct {
	Reference string
	PollURL   string
}

type Coordinator struct {
	cfg      *config.Config
	retry    RetryPolicy
	registry repository.Registry
	gateways *payment_processor.Manager
	pool     *infra.GatewayPool
	refs     *reference.Generator
	events   events.Publisher
	logger   *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(
	cfg *config.Config,
	registry repository.Registry,
	gateways *payment_processor.Manager,
	pool *infra.GatewayPool,
	publisher events.Publisher,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		retry:    retryPolicyFrom(cfg.Retry),
		registry: registry,
		gateways: gateways,
		pool:     pool,
		refs:     reference.NewGenerator(),
		events:   publisher,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	email, plan, err := c.validate(req)
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(req.Reference)

	if key != "" {
		existing, err := c.registry.FindByIdempotencyKey(ctx, key)
		switch {
		case err == nil:
			return c.replay(existing, email, plan)
		case !errors.Is(err, repository.ErrNotFound):
			c.logger.Error("idempotency lookup failed", "key", key, "error", err)
			return nil, ErrInternal
		}
	}

	gw := c.gateways.Primary()
	if gw == nil {
		c.logger.Error("no payment gateway configured")
		return nil, ErrInternal
	}

	ref, err := c.refs.Generate(plan.Key, plan.Amount)
	if err != nil {
		c.logger.Error("reference generation failed", "error", err)
		return nil, ErrInternal
	}

	now := c.now().UTC()
	p := &entities.Payment{
		Reference:      ref,
		IdempotencyKey: key,
		Email:          email,
		Amount:         plan.Amount,
		Currency:       c.cfg.Currency,
		PlanKey:        plan.Key,
		PlanLabel:      plan.Label,
		Gateway:        gw.Name(),
		Status:         entities.StatusCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.registry.Insert(ctx, p); err != nil {
		if key != "" && errors.Is(err, repository.ErrDuplicate) {
			if existing, ferr := c.registry.FindByIdempotencyKey(ctx, key); ferr == nil {
				return c.replay(existing, email, plan)
			}
		}
		c.logger.Error("register payment failed", "reference", ref, "error", err)
		return nil, ErrInternal
	}
	c.logger.Info("payment created", "reference", ref, "plan", plan.Key, "amount", plan.Amount.StringFixed(2))

	submit := payment_processor.SubmitRequest{
		Reference: ref,
		Email:     email,
		Items:     []payment_processor.LineItem{{Title: plan.Label, Amount: plan.Amount}},
	}
	res, attempts, err := c.submitWithRetry(ctx, gw, submit)

	// The outcome is recorded even when the caller has gone away.
	wctx := context.WithoutCancel(ctx)
	if err != nil {
		failed, terr := c.registry.Transition(wctx, ref, entities.StatusFailed, entities.TransitionFields{
			LastError: err.Error(),
			Attempts:  attempts,
		})
		if terr != nil {
			c.logger.Error("record gateway failure", "reference", ref, "error", terr)
			return nil, ErrInternal
		}
		switch payment_processor.KindOf(err) {
		case payment_processor.KindSignature, payment_processor.KindInvalid:
			c.logger.Error("gateway accepted payment with an unusable reply, reconcile by hand",
				"reference", ref, "from", entities.StatusCreated, "to", entities.StatusFailed, "attempt", attempts, "error", err)
		default:
			c.logger.Warn("payment failed at gateway",
				"reference", ref, "from", entities.StatusCreated, "to", entities.StatusFailed, "attempt", attempts, "error", err)
		}
		c.publish(wctx, failed, SourceCreate)
		return nil, ErrGatewayRejected
	}

	if _, err := c.registry.Transition(wctx, ref, entities.StatusSent, entities.TransitionFields{
		RedirectURL: res.RedirectURL,
		PollURL:     res.PollURL,
		Attempts:    attempts,
	}); err != nil {
		c.logger.Error("record gateway acceptance", "reference", ref, "error", err)
		return nil, ErrInternal
	}
	c.logger.Info("payment sent", "reference", ref, "from", entities.StatusCreated, "to", entities.StatusSent, "attempt", attempts)

	return &CreateResult{Reference: ref, RedirectURL: res.RedirectURL, PollURL: res.PollURL}, nil
}

func (c *Coordinator) validate(req CreateRequest) (string, config.Plan, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" {
		return "", config.Plan{}, validation("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", config.Plan{}, validation("email %q is not valid", email)
	}
	if len(req.Reference) > maxKeyLength {
		return "", config.Plan{}, validation("reference longer than %d characters", maxKeyLength)
	}

	if strings.TrimSpace(req.Plan) != "" {
		plan, ok := c.cfg.Plan(req.Plan)
		if !ok {
			return "", config.Plan{}, validation("unknown plan %q", req.Plan)
		}
		if req.Amount != nil && !req.Amount.Equal(plan.Amount) {
			return "", config.Plan{}, validation("amount does not match plan %q", plan.Key)
		}
		return email, plan, nil
	}

	if req.Amount == nil {
		return "", config.Plan{}, validation("plan or amount is required")
	}
	if !c.cfg.AllowCustomAmount {
		return "", config.Plan{}, validation("custom amounts are not accepted")
	}
	if !req.Amount.IsPositive() {
		return "", config.Plan{}, validation("amount must be positive")
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return "", config.Plan{}, validation("amount has more than two decimal places")
	}
	return email, config.Plan{Key: customPlanKey, Label: customPlanLabel, Amount: *req.Amount}, nil
}

// replay answers a repeated create with the outcome of the first one.
func (c *Coordinator) replay(p *entities.Payment, email string, plan config.Plan) (*CreateResult, error) {
	if !strings.EqualFold(p.Email, email) || p.PlanKey != plan.Key || !p.Amount.Equal(plan.Amount) {
		return nil, validation("reference %q was already used for a different payment", p.IdempotencyKey)
	}
	switch p.Status {
	case entities.StatusCreated:
		return nil, ErrInProgress
	case entities.StatusFailed, entities.StatusExpired:
		return nil, ErrGatewayRejected
	default:
		return &CreateResult{Reference: p.Reference, RedirectURL: p.RedirectURL, PollURL: p.PollURL}, nil
	}
}

func (c *Coordinator) submitWithRetry(ctx context.Context, gw payment_processor.Gateway, req payment_processor.SubmitRequest) (payment_processor.SubmitResult, int, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		res, err := c.submitOnce(ctx, gw, req)
		if err == nil {
			return res, attempt, nil
		}
		lastErr = err

		kind := payment_processor.KindOf(err)
		c.logger.Warn("gateway submit attempt failed",
			"reference", req.Reference, "attempt", attempt, "kind", kind.String(), "error", err)
		if kind != payment_processor.KindTransient {
			return payment_processor.SubmitResult{}, attempt, err
		}
		if attempt == c.retry.MaxAttempts {
			break
		}
		if err := c.sleep(ctx, c.retry.Backoff(attempt)); err != nil {
			return payment_processor.SubmitResult{}, attempt, errors.Wrap(lastErr, "retry abandoned")
		}
	}
	return payment_processor.SubmitResult{}, c.retry.MaxAttempts, errors.Wrap(lastErr, "retries exhausted")
}

func (c *Coordinator) submitOnce(ctx context.Context, gw payment_processor.Gateway, req payment_processor.SubmitRequest) (payment_processor.SubmitResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.retry.AttemptTimeout)
	defer cancel()

	var res payment_processor.SubmitResult
	err := c.pool.Do(attemptCtx, func(ctx context.Context) error {
		r, err := gw.Submit(ctx, req)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return payment_processor.SubmitResult{}, err
	}
	return res, nil
}

func targetStatus(s payment_processor.Status) (entities.Status, bool) {
	switch s {
	case payment_processor.StatusPaid:
		return entities.StatusConfirmed, true
	case payment_processor.StatusPending:
		return entities.StatusAwaitingConfirmation, true
	case payment_processor.StatusCancelled, payment_processor.StatusFailed:
		return entities.StatusFailed, true
	}
	return "", false
}

// Reconcile applies a gateway-sourced status. Duplicate and out-of-order
// deliveries are not errors: the current record is returned unchanged.
func (c *Coordinator) Reconcile(ctx context.Context, source Source, u StatusUpdate) (*entities.Payment, error) {
	ref := strings.TrimSpace(u.Reference)
	if ref == "" {
		return nil, validation("reference is required")
	}
	to, ok := targetStatus(u.Status)
	if !ok {
		return nil, validation("unknown gateway status %q", u.Status)
	}

	if to == entities.StatusConfirmed && u.Amount.IsPositive() {
		cur, err := c.registry.Get(ctx, ref)
		if err == nil && !cur.Amount.Equal(u.Amount) {
			c.logger.Error("gateway amount does not match payment, not confirming",
				"reference", ref, "source", source, "expected", cur.Amount.StringFixed(2), "got", u.Amount.StringFixed(2))
			return cur, nil
		}
	}

	p, err := c.registry.Transition(ctx, ref, to, entities.TransitionFields{GatewayReference: u.GatewayReference})
	switch {
	case err == nil:
		c.logger.Info("payment reconciled", "reference", ref, "to", to, "source", source)
		if to.IsTerminal() {
			c.publish(ctx, p, source)
		}
		return p, nil
	case errors.Is(err, repository.ErrNotFound):
		c.logger.Warn("reconciliation for unknown reference", "reference", ref, "source", source, "status", u.Status)
		return nil, err
	case errors.Is(err, repository.ErrConflict):
		// Engines that give up on a contended update return no record.
		if p == nil {
			cur, gerr := c.registry.Get(ctx, ref)
			if gerr != nil {
				c.logger.Error("reload payment after conflict", "reference", ref, "error", gerr)
				return nil, ErrInternal
			}
			p = cur
		}
		if p.Status == to {
			c.logger.Debug("duplicate status delivery ignored", "reference", ref, "status", to, "source", source)
		} else {
			c.logger.Warn("status update not applied", "reference", ref, "from", p.Status, "to", to, "source", source, "error", err)
		}
		return p, nil
	default:
		c.logger.Error("reconcile failed", "reference", ref, "to", to, "source", source, "error", err)
		return nil, ErrInternal
	}
}

// Poll answers with the current status, asking the gateway only when the
// record is still open and within its TTL.
func (c *Coordinator) Poll(ctx context.Context, req PollRequest) (*entities.Payment, error) {
	ref := strings.TrimSpace(req.Reference)
	pollURL := strings.TrimSpace(req.PollURL)
	switch {
	case ref != "":
		return c.pollReference(ctx, ref)
	case pollURL != "":
		return c.pollURL(ctx, pollURL)
	}
	return nil, validation("reference or pollUrl is required")
}

func (c *Coordinator) pollReference(ctx context.Context, ref string) (*entities.Payment, error) {
	p, err := c.registry.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		c.logger.Error("load payment failed", "reference", ref, "error", err)
		return nil, ErrInternal
	}

	if p.Status.IsTerminal() || p.Status == entities.StatusCreated {
		return p, nil
	}
	if p.Expired(c.cfg.PaymentTTL, c.now()) {
		return c.expireOne(ctx, p, SourcePoll)
	}

	gw, ok := c.gateways.Get(p.Gateway)
	if !ok {
		c.logger.Error("payment owned by unknown gateway", "reference", ref, "gateway", p.Gateway)
		return nil, ErrInternal
	}
	res, err := c.pollGateway(ctx, gw, p.PollURL)
	if err != nil {
		if payment_processor.KindOf(err) == payment_processor.KindExpired {
			// Only age past the TTL expires a record.
			c.logger.Warn("gateway no longer answers for open payment, keeping status",
				"reference", ref, "status", p.Status, "error", err)
			return p, nil
		}
		c.logger.Warn("gateway poll failed", "reference", ref, "error", err)
		return nil, ErrGatewayUnavailable
	}
	if res.Reference != "" && res.Reference != p.Reference {
		c.logger.Error("gateway poll echoed another reference", "reference", ref, "echoed", res.Reference)
		return nil, ErrGatewayUnavailable
	}

	return c.Reconcile(ctx, SourcePoll, StatusUpdate{
		Reference:        p.Reference,
		GatewayReference: res.GatewayReference,
		Status:           res.Status,
		Amount:           res.Amount,
	})
}

func (c *Coordinator) pollURL(ctx context.Context, pollURL string) (*entities.Payment, error) {
	gw := c.gateways.Primary()
	if gw == nil {
		return nil, ErrInternal
	}
	res, err := c.pollGateway(ctx, gw, pollURL)
	if err != nil {
		switch payment_processor.KindOf(err) {
		case payment_processor.KindInvalid:
			return nil, validation("pollUrl is not a gateway url")
		case payment_processor.KindExpired:
			return nil, errors.Wrap(repository.ErrNotFound, "gateway no longer knows this poll url")
		}
		c.logger.Warn("gateway poll failed", "error", err)
		return nil, ErrGatewayUnavailable
	}
	return c.Reconcile(ctx, SourcePoll, StatusUpdate{
		Reference:        res.Reference,
		GatewayReference: res.GatewayReference,
		Status:           res.Status,
		Amount:           res.Amount,
	})
}

func (c *Coordinator) pollGateway(ctx context.Context, gw payment_processor.Gateway, pollURL string) (payment_processor.PollResult, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.retry.AttemptTimeout)
	defer cancel()

	var res payment_processor.PollResult
	err := c.pool.Do(pollCtx, func(ctx context.Context) error {
		r, err := gw.Poll(ctx, pollURL)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}

// ExpireStale moves open payments older than the TTL to Expired and returns
// how many it moved.
func (c *Coordinator) ExpireStale(ctx context.Context) (int, error) {
	if c.cfg.PaymentTTL <= 0 {
		return 0, nil
	}
	cutoff := c.now().Add(-c.cfg.PaymentTTL)

	total := 0
	for {
		batch, err := c.registry.ListExpirable(ctx, cutoff, sweepBatch)
		if err != nil {
			return total, errors.Wrap(err, "list expirable payments")
		}
		moved := 0
		for _, p := range batch {
			_, applied, err := c.expire(ctx, p, SourceSweep)
			if err != nil {
				return total, err
			}
			if applied {
				moved++
			}
		}
		total += moved
		if len(batch) < sweepBatch || moved == 0 {
			break
		}
	}
	if total > 0 {
		c.logger.Info("expired stale payments", "count", total)
	}
	return total, nil
}

// expire reports whether this call performed the transition; a record that
// reached a terminal state first is returned as it is.
func (c *Coordinator) expire(ctx context.Context, p *entities.Payment, source Source) (*entities.Payment, bool, error) {
	next, err := c.registry.Transition(ctx, p.Reference, entities.StatusExpired, entities.TransitionFields{})
	switch {
	case err == nil:
		c.logger.Info("payment expired", "reference", p.Reference, "from", p.Status, "to", entities.StatusExpired, "source", source)
		c.publish(ctx, next, source)
		return next, true, nil
	case errors.Is(err, repository.ErrConflict) && next != nil:
		return next, false, nil
	default:
		c.logger.Error("expire payment failed", "reference", p.Reference, "error", err)
		return nil, false, ErrInternal
	}
}

func (c *Coordinator) expireOne(ctx context.Context, p *entities.Payment, source Source) (*entities.Payment, error) {
	next, _, err := c.expire(ctx, p, source)
	return next, err
}

func (c *Coordinator) publish(ctx context.Context, p *entities.Payment, source Source) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, events.NewEvent(p, string(source))); err != nil {
		c.logger.Warn("publish payment event failed", "reference", p.Reference, "status", p.Status, "error", err)
	}
}

// Get returns the stored record.
func (c *Coordinator) Get(ctx context.Context, ref string) (*entities.Payment, error) {
	return c.registry.Get(ctx, ref)
}
