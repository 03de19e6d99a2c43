// Package transport wraps an HTTP client with the request decoration the
// storage API expects: user agent, bearer token, per-client invocation ID,
// query parameter merging and a configurable set of non-error statuses.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
)

const defaultUserAgent = "go-objstore/1.0"

// Request is a single API call before decoration.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Params url.Values
	Body   io.Reader
	// ContentLength is the exact body size in bytes. Zero means no body.
	ContentLength int64
}

// Response is the fully read result of an API call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// TokenFunc supplies a bearer token for request authorization. It may be nil
// when requests are pre-signed or unauthenticated.
type TokenFunc func(ctx context.Context) (string, error)

// Config ...
type Config struct {
	// HTTPClient is the client requests are sent through. If nil, a default
	// client tuned for long-running uploads is used.
	HTTPClient *http.Client
	UserAgent  string
	Token      TokenFunc
	// ValidStatus decides which status codes Do returns without an error.
	// The default accepts 2xx and 308 Resume Incomplete.
	ValidStatus func(statusCode int) bool
	Logger      log.Logger
}

// Adapter decorates and sends API requests. A single Adapter is meant to be
// owned by one logical operation (one upload, one client); the invocation ID
// header it stamps groups all its requests on the server side.
type Adapter struct {
	client       *http.Client
	userAgent    string
	token        TokenFunc
	validStatus  func(int) bool
	invocationID string
	logger       log.Logger
}

// New creates an Adapter with the given configuration.
func New(cfg Config) *Adapter {
	client := cfg.HTTPClient
	if client == nil {
		client = DefaultHTTPClient()
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	validStatus := cfg.ValidStatus
	if validStatus == nil {
		validStatus = DefaultValidStatus
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Adapter{
		client:       client,
		userAgent:    userAgent,
		token:        cfg.Token,
		validStatus:  validStatus,
		invocationID: uuid.NewString(),
		logger:       logger,
	}
}

// DefaultValidStatus accepts 2xx and 308 Resume Incomplete.
func DefaultValidStatus(statusCode int) bool {
	return (statusCode >= 200 && statusCode < 300) || statusCode == http.StatusPermanentRedirect
}

// DefaultHTTPClient creates an HTTP client tuned for long-running uploads.
// There is no overall timeout; cancellation is handled via request contexts.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// InvocationID returns the ID stamped on every request of this adapter.
func (a *Adapter) InvocationID() string {
	return a.invocationID
}

// Do sends the decorated request and reads the response body fully.
//
// The response is returned whenever the server produced one, even on
// non-valid statuses, so callers can interpret protocol-level codes
// themselves. For statuses rejected by the configured ValidStatus policy the
// returned error is a *googleapi.Error carrying the parsed server message.
func (a *Adapter) Do(ctx context.Context, req Request) (*Response, error) {
	rawURL := req.URL
	if len(req.Params) > 0 {
		parsed, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse request URL: %w", err)
		}
		q := parsed.Query()
		for key, values := range req.Params {
			for _, value := range values {
				q.Add(key, value)
			}
		}
		parsed.RawQuery = q.Encode()
		rawURL = parsed.String()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, rawURL, req.Body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	httpReq.Header.Set("User-Agent", a.userAgent)
	httpReq.Header.Set("X-Invocation-Id", a.invocationID)
	httpReq.ContentLength = req.ContentLength

	if a.token != nil {
		token, err := a.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire token: %w", err)
		}
		httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			a.logger.Warnf("close response body: %s", err)
		}
	}()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}

	if !a.validStatus(resp.StatusCode) {
		checkable := &http.Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       io.NopCloser(bytes.NewReader(body)),
		}
		return resp, googleapi.CheckResponse(checkable)
	}

	return resp, nil
}
