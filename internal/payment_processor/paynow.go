package payment_processor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	PaynowName           = "paynow"
	DefaultPaynowBaseURL = "https://www.paynow.co.zw/interface"

	maxResponseBytes = 64 << 10
)

type PaynowConfig struct {
	IntegrationID  string
	IntegrationKey string
	BaseURL        string
	ReturnURL      string
	ResultURL      string
	HTTPClient     *http.Client
}

// Paynow drives the Paynow form-encoded initiate/poll protocol.
type Paynow struct {
	id        string
	key       string
	baseURL   string
	host      string
	returnURL string
	resultURL string
	client    *http.Client
}

func NewPaynow(cfg PaynowConfig) (*Paynow, error) {
	if cfg.IntegrationID == "" || cfg.IntegrationKey == "" {
		return nil, errors.New("paynow integration id and key are required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultPaynowBaseURL
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return nil, errors.Errorf("invalid paynow base url %q", base)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Paynow{
		id:        cfg.IntegrationID,
		key:       cfg.IntegrationKey,
		baseURL:   strings.TrimRight(base, "/"),
		host:      strings.ToLower(u.Host),
		returnURL: cfg.ReturnURL,
		resultURL: cfg.ResultURL,
		client:    client,
	}, nil
}

func (p *Paynow) Name() string { return PaynowName }

func (p *Paynow) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if len(req.Items) == 0 {
		return SubmitResult{}, newError(KindRejected, "no line items")
	}
	titles := make([]string, 0, len(req.Items))
	for _, it := range req.Items {
		titles = append(titles, it.Title)
	}

	msg := form{
		{"resulturl", p.resultURL},
		{"returnurl", p.returnURL},
		{"reference", req.Reference},
		{"amount", req.Total().StringFixed(2)},
		{"id", p.id},
		{"additionalinfo", strings.Join(titles, ", ")},
		{"authemail", req.Email},
		{"status", "Message"},
	}
	msg = append(msg, field{"hash", msg.hash(p.key)})

	code, resp, err := p.post(ctx, p.baseURL+"/initiatetransaction", msg.encode())
	if err != nil {
		return SubmitResult{}, err
	}
	if err := classifyHTTP(code); err != nil {
		return SubmitResult{}, err
	}

	switch strings.ToLower(resp.get("status")) {
	case "ok":
		if !resp.verify(p.key) {
			return SubmitResult{}, newError(KindSignature, "initiate response hash mismatch (pollurl %q)", resp.get("pollurl"))
		}
		out := SubmitResult{RedirectURL: resp.get("browserurl"), PollURL: resp.get("pollurl")}
		if out.RedirectURL == "" || out.PollURL == "" {
			return SubmitResult{}, newError(KindInvalid, "initiate response missing urls (browserurl %q, pollurl %q)", out.RedirectURL, out.PollURL)
		}
		return out, nil
	case "error":
		return SubmitResult{}, newError(KindRejected, "%s", resp.get("error"))
	default:
		return SubmitResult{}, newError(KindRejected, "unexpected status %q", resp.get("status"))
	}
}

func (p *Paynow) Poll(ctx context.Context, pollURL string) (PollResult, error) {
	if err := p.checkPollURL(pollURL); err != nil {
		return PollResult{}, err
	}
	code, resp, err := p.post(ctx, pollURL, "")
	if err != nil {
		return PollResult{}, err
	}
	if code == http.StatusNotFound || code == http.StatusGone {
		return PollResult{}, newError(KindExpired, "poll returned %d", code)
	}
	if err := classifyHTTP(code); err != nil {
		return PollResult{}, err
	}
	if strings.EqualFold(resp.get("status"), "error") {
		return PollResult{}, newError(KindExpired, "%s", resp.get("error"))
	}
	return p.decodeStatus(resp)
}

func (p *Paynow) ParseCallback(body []byte) (PollResult, error) {
	f, err := parseForm(string(body))
	if err != nil {
		return PollResult{}, newError(KindInvalid, "callback: %v", err)
	}
	return p.decodeStatus(f)
}

func (p *Paynow) decodeStatus(f form) (PollResult, error) {
	if !f.verify(p.key) {
		return PollResult{}, newError(KindSignature, "status hash mismatch")
	}
	res := PollResult{
		Reference:        f.get("reference"),
		GatewayReference: f.get("paynowreference"),
		RawStatus:        f.get("status"),
		Status:           normalizeStatus(f.get("status")),
		PollURL:          f.get("pollurl"),
	}
	if res.Reference == "" || res.RawStatus == "" {
		return PollResult{}, newError(KindInvalid, "status message missing reference or status")
	}
	if a := f.get("amount"); a != "" {
		amount, err := decimal.NewFromString(a)
		if err != nil {
			return PollResult{}, newError(KindInvalid, "bad amount %q", a)
		}
		res.Amount = amount
	}
	return res, nil
}

func (p *Paynow) checkPollURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return newError(KindInvalid, "malformed poll url")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return newError(KindInvalid, "poll url scheme %q", u.Scheme)
	}
	if !strings.EqualFold(u.Host, p.host) {
		return newError(KindInvalid, "poll url host %q is not the gateway", u.Host)
	}
	return nil
}

func (p *Paynow) post(ctx context.Context, target, body string) (int, form, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewBufferString(body))
	if err != nil {
		return 0, nil, newError(KindInvalid, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, newError(KindTransient, "%v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, newError(KindTransient, "read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil, nil
	}
	f, err := parseForm(string(raw))
	if err != nil {
		return resp.StatusCode, nil, newError(KindTransient, "decode response: %v", err)
	}
	return resp.StatusCode, f, nil
}

func classifyHTTP(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout:
		return newError(KindTransient, "gateway returned %d", code)
	default:
		return newError(KindRejected, "gateway returned %d", code)
	}
}

func normalizeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "paid", "awaiting delivery", "delivered":
		return StatusPaid
	case "created", "sent":
		return StatusPending
	case "cancelled", "refunded", "disputed":
		return StatusCancelled
	default:
		return StatusFailed
	}
}
