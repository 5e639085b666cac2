package paywall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authbridge/instrumentation"
)

const (
	// DefaultTimeout bounds each upstream request
	DefaultTimeout = 10 * time.Second

	// maxErrorBody limits how much of an error response is read into the error
	maxErrorBody = 1024
)

// HTTPConfig configures HTTPClient
type HTTPConfig struct {
	// BaseURL of the paywall API, e.g. "https://billing.example.com" (required)
	BaseURL string

	// APIKey is sent as a bearer token
	APIKey string

	// Timeout per request (default 10s)
	Timeout time.Duration

	// HTTPClient is the transport to build on (default http.DefaultClient's transport)
	HTTPClient *http.Client

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// HTTPClient implements Client against the paywall's JSON API.
type HTTPClient struct {
	baseURL *url.URL
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient validates cfg and returns a client
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("paywall base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid paywall base URL %q", cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	baseClient := cfg.HTTPClient
	if baseClient == nil {
		baseClient = &http.Client{}
	}

	httpClient := baseClient
	if cfg.APIKey != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, baseClient)
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.APIKey,
			TokenType:   "Bearer",
		}))
	}

	c := &HTTPClient{
		baseURL: base,
		http:    httpClient,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
	if cfg.Instrumentation != nil {
		c.metrics = cfg.Instrumentation.Metrics()
		c.tracer = cfg.Instrumentation.Tracer("paywall")
	}
	return c, nil
}

// EnsureCustomer creates the customer for subject, or returns the existing one.
func (c *HTTPClient) EnsureCustomer(ctx context.Context, subject string) (*Customer, error) {
	var customer Customer
	body := map[string]string{"external_id": subject}
	if err := c.do(ctx, "ensure_customer", http.MethodPost, "/v1/customers", body, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

// Subscription fetches subject's subscription. A customer without one yields StatusNone.
func (c *HTTPClient) Subscription(ctx context.Context, subject string) (*Subscription, error) {
	var sub Subscription
	err := c.do(ctx, "subscription", http.MethodGet, customerPath(subject, "subscription"), nil, &sub)
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) && upstreamErr.StatusCode == http.StatusNotFound {
		return &Subscription{Status: StatusNone}, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// CancelSubscription cancels subject's subscription
func (c *HTTPClient) CancelSubscription(ctx context.Context, subject string) error {
	return c.do(ctx, "cancel_subscription", http.MethodPost, customerPath(subject, "subscription/cancel"), nil, nil)
}

func customerPath(subject, rest string) string {
	return "/v1/customers/external/" + url.PathEscape(subject) + "/" + rest
}

// do sends one JSON request and decodes a 2xx response into out when out is non-nil.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "paywall."+op, trace.WithAttributes(
			attribute.String(instrumentation.AttrUpstreamOperation, op),
		))
		defer func() {
			if err != nil {
				instrumentation.RecordError(span, err)
			} else {
				instrumentation.SetSpanSuccess(span)
			}
			span.End()
		}()
	}

	start := time.Now()
	status := 0
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordUpstreamCall(ctx, op, status, float64(time.Since(start).Milliseconds()), err)
		}
	}()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &UpstreamError{Op: op, Err: fmt.Errorf("failed to encode request: %w", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return &UpstreamError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &UpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("Paywall request failed", "operation", op, "status", resp.StatusCode)
		return &UpstreamError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(msg)))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UpstreamError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}
