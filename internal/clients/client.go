package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/bikeshop/order-service/internal/services"
)

const (
	serviceAuthHeader = "X-Service-Auth"
	maxResponseBytes  = 1 << 20
)

var tracer = otel.Tracer("github.com/bikeshop/order-service/internal/clients")

// Options configures a client for one collaborating service.
type Options struct {
	BaseURL      string
	ServiceToken string
	// Timeout bounds every call. Zero falls back to the client default.
	Timeout    time.Duration
	HTTPClient *http.Client
}

type serviceClient struct {
	name         string
	baseURL      string
	host         string
	serviceToken string
	timeout      time.Duration
	http         *http.Client
}

type response struct {
	status int
	body   []byte
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newServiceClient(name string, opts Options, defaultTimeout time.Duration) (*serviceClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%s client: base url is required", name)
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%s client: invalid base url %q", name, opts.BaseURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &serviceClient{
		name:         name,
		baseURL:      base,
		host:         parsed.Hostname(),
		serviceToken: strings.TrimSpace(opts.ServiceToken),
		timeout:      timeout,
		http:         httpClient,
	}, nil
}

// do issues one request bounded by the client timeout. Transport failures are classified as
// upstream timeout or unavailability; callers interpret non-2xx statuses themselves.
func (c *serviceClient) do(ctx context.Context, method, path string, header http.Header, body any) (response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, c.name+" "+method+" "+path, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		semconv.HTTPRequestMethodKey.String(method),
		semconv.ServerAddress(c.host),
	)

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return response{}, fmt.Errorf("%s client: encode request: %w", c.name, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return response{}, fmt.Errorf("%s client: build request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.serviceToken != "" {
		req.Header.Set(serviceAuthHeader, c.serviceToken)
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		return response{}, c.transportError(method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failure")
		return response{}, c.transportError(method, path, err)
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
	if resp.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	return response{status: resp.StatusCode, body: data}, nil
}

func (c *serviceClient) transportError(method, path string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s %s %s: %w", services.ErrUpstreamTimeout, c.name, method, path, err)
	}
	return fmt.Errorf("%w: %s %s %s: %w", services.ErrUpstreamUnavailable, c.name, method, path, err)
}

// statusError classifies a non-2xx answer. Gateway statuses count as unavailability.
func (c *serviceClient) statusError(method, path string, resp response) error {
	sentinel := services.ErrUpstream
	switch resp.status {
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		sentinel = services.ErrUpstreamUnavailable
	case http.StatusGatewayTimeout:
		sentinel = services.ErrUpstreamTimeout
	}
	if msg := resp.errorMessage(); msg != "" {
		return fmt.Errorf("%w: %s %s %s returned %d: %s", sentinel, c.name, method, path, resp.status, msg)
	}
	return fmt.Errorf("%w: %s %s %s returned %d", sentinel, c.name, method, path, resp.status)
}

func (r response) ok() bool {
	return r.status >= 200 && r.status < 300
}

// decodeData unwraps the {data: ...} envelope the collaborating services answer with.
func (r response) decodeData(dst any) error {
	var env envelope
	if err := json.Unmarshal(r.body, &env); err != nil {
		return fmt.Errorf("%w: decode response: %v", services.ErrUpstream, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%w: response has no data", services.ErrUpstream)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("%w: decode response data: %v", services.ErrUpstream, err)
	}
	return nil
}

func (r response) errorMessage() string {
	if len(r.body) == 0 {
		return ""
	}
	var env envelope
	if err := json.Unmarshal(r.body, &env); err != nil || env.Error == nil {
		return ""
	}
	return strings.TrimSpace(env.Error.Message)
}

func bearer(token string) http.Header {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return http.Header{"Authorization": []string{"Bearer " + token}}
}
