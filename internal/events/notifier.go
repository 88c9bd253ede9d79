package events

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"payment-relay/internal/auth"
)

// Notifier tells the client application that a payment reached a terminal
// state, authenticating with the shared relay secret.
type Notifier struct {
	url    string
	secret string
	client *http.Client
}

func NewNotifier(url, secret string) *Notifier {
	return &Notifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type notification struct {
	Reference  string    `json:"reference"`
	Status     string    `json:"status"`
	Plan       string    `json:"plan"`
	Email      string    `json:"email"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (n *Notifier) Handle(ctx context.Context, e Event) error {
	payload, err := json.Marshal(notification{
		Reference:  e.Reference,
		Status:     string(e.Status),
		Plan:       e.Plan,
		Email:      e.Email,
		OccurredAt: e.OccurredAt,
	})
	if err != nil {
		return errors.Wrap(err, "encode notification")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build notification")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.Header, n.secret)

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "notify %s", e.Reference)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("notify %s: client returned %d", e.Reference, resp.StatusCode)
	}
	return nil
}
