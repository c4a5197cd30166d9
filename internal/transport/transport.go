// Package transport is the HTTP wire client for the evaluation and metrics
// endpoints of the flagz service.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/flagz-go/internal/core"
	"github.com/matt-riley/flagz-go/internal/metrics"
	"github.com/matt-riley/flagz-go/internal/tracing"
)

const (
	SDKName    = "flagz-go"
	SDKVersion = "0.4.0"

	defaultTimeout = 10 * time.Second
	maxBodySize    = 8 << 20
)

// ErrUnsuccessful is returned when the service answers 200 with
// success=false.
var ErrUnsuccessful = errors.New("flagz: service reported an unsuccessful response")

// Config holds configuration for the wire client.
type Config struct {
	// BaseURL is the API base, e.g. "https://flags.example.com/api".
	BaseURL     string
	APIToken    string
	AppName     string
	Environment string
	// ConnectionID identifies this client instance across requests.
	ConnectionID string
	Headers      map[string]string
	// HTTPClient is optional; its transport is wrapped for tracing and
	// metrics. Defaults to a client with a 10s timeout.
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
}

// Client talks to the evaluation service over HTTP.
type Client struct {
	cfg        Config
	base       string
	httpClient *http.Client
}

// New returns a wire client for cfg.
func New(cfg Config) *Client {
	hc := &http.Client{Timeout: defaultTimeout}
	if cfg.HTTPClient != nil {
		copied := *cfg.HTTPClient
		hc = &copied
	}
	hc.Transport = otelhttp.NewTransport(cfg.Metrics.InstrumentRoundTripper(hc.Transport))

	return &Client{
		cfg:        cfg,
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: hc,
	}
}

// FetchResult is the outcome of one evaluation request.
type FetchResult struct {
	StatusCode  int
	ETag        string
	NotModified bool
	Flags       []core.EvaluatedFlag
}

type evalResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Flags []core.EvaluatedFlag `json:"flags"`
	} `json:"data"`
}

// FetchFlags requests the evaluated flags for the context encoded in query.
// A non-empty etag is sent as If-None-Match; a 304 reply yields NotModified
// with the same ETag.
func (c *Client) FetchFlags(ctx context.Context, query url.Values, etag string) (res FetchResult, err error) {
	ctx, span := tracing.Tracer().Start(ctx, tracing.SpanFetch, trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		span.SetAttributes(tracing.AttrStatus.Int(res.StatusCode), tracing.AttrFlagCount.Int(len(res.Flags)))
		tracing.RecordError(span, err)
		span.End()
	}()
	span.SetAttributes(tracing.AttrEnvironment.String(c.cfg.Environment), tracing.AttrAppName.String(c.cfg.AppName))

	endpoint := c.endpoint("eval")
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("flagz: create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "application/json")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return FetchResult{}, classify(err)
	}
	defer resp.Body.Close()

	res = FetchResult{StatusCode: resp.StatusCode, ETag: resp.Header.Get("ETag")}
	switch {
	case resp.StatusCode == http.StatusNotModified:
		res.NotModified = true
		if res.ETag == "" {
			res.ETag = etag
		}
		return res, nil
	case resp.StatusCode >= 400:
		return res, readAPIError(resp)
	case resp.StatusCode != http.StatusOK:
		return res, &APIError{StatusCode: resp.StatusCode, Message: "unexpected status"}
	}

	var out evalResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, classify(ctxErr)
		}
		return res, fmt.Errorf("flagz: decode response: %w", err)
	}
	if !out.Success {
		return res, ErrUnsuccessful
	}
	res.Flags = out.Data.Flags
	return res, nil
}

// SendMetrics posts one usage payload. Any non-2xx status is an error.
func (c *Client) SendMetrics(ctx context.Context, payload any) (err error) {
	ctx, span := tracing.Tracer().Start(ctx, tracing.SpanMetricsSend, trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("flagz: marshal metrics: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("metrics"), bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("flagz: create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()
	span.SetAttributes(tracing.AttrStatus.Int(resp.StatusCode))

	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
	return nil
}

func (c *Client) endpoint(name string) string {
	return c.base + "/" + url.PathEscape(c.cfg.Environment) + "/" + name
}

func (c *Client) setHeaders(req *http.Request) {
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	req.Header.Set("X-Application-Name", c.cfg.AppName)
	req.Header.Set("X-Environment", c.cfg.Environment)
	req.Header.Set("X-Connection-Id", c.cfg.ConnectionID)
	req.Header.Set("X-SDK-Name", SDKName)
	req.Header.Set("X-SDK-Version", SDKVersion)
}

func readAPIError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
}
