package marketclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/partstream/catalog-sync/internal/quota"
	"github.com/partstream/catalog-sync/internal/signing"
)

// Spec describes one marketplace request.
type Spec struct {
	Method string // GET or POST
	Path   string // e.g. /items/part/3001
	Params map[string]string
}

// Response carries the decoded marketplace envelope. Data is left raw for
// the aggregator's defensive field extraction.
type Response struct {
	StatusCode int
	Meta       Meta
	Data       json.RawMessage
}

// Meta is the marketplace's response envelope header.
type Meta struct {
	Code        int    `json:"code"`
	Message     string `json:"message"`
	Description string `json:"description"`
}

// Client issues signed, quota-gated requests against the marketplace API.
// It never retries: retry policy belongs to the outbox worker.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	signer         *signing.Signer
	gate           *quota.Gate
	callerIdentity string
	nowFunc        func() time.Time
}

// NewClient returns a Client. callerIdentity names the hourly quota bucket
// requests are billed against.
func NewClient(httpClient *http.Client, baseURL string, signer *signing.Signer, gate *quota.Gate, callerIdentity string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		httpClient:     httpClient,
		baseURL:        strings.TrimRight(baseURL, "/"),
		signer:         signer,
		gate:           gate,
		callerIdentity: callerIdentity,
		nowFunc:        time.Now,
	}
}

// Do performs one request. Error kinds:
//   - *quota.QuotaExceededError / *quota.CircuitOpenError when gated
//   - ErrNotFound when the entity does not exist upstream
//   - *ApiError for every transport or HTTP failure
func (c *Client) Do(ctx context.Context, spec Spec) (*Response, error) {
	if c.gate != nil {
		if err := c.gate.Allow(ctx, c.callerIdentity); err != nil {
			return nil, err
		}
	}

	rawurl := c.baseURL + spec.Path
	signed, err := c.signer.Sign(spec.Method, rawurl, spec.Params)
	if err != nil {
		return nil, c.apiError(0, "sign request", err.Error(), "")
	}

	if len(spec.Params) > 0 {
		q := url.Values{}
		for k, v := range spec.Params {
			q.Set(k, v)
		}
		rawurl += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, rawurl, nil)
	if err != nil {
		return nil, c.apiError(0, "build request", err.Error(), "")
	}
	req.Header.Set("Authorization", signed.AuthorizationHeader)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordFailure(ctx)
		return nil, c.apiError(0, "transport failure", err.Error(), "")
	}
	defer resp.Body.Close()

	requestID := resp.Header.Get("X-Request-Id")
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.recordFailure(ctx)
		return nil, c.apiError(resp.StatusCode, "read body", err.Error(), requestID)
	}

	if resp.StatusCode == http.StatusNotFound {
		c.recordSuccess(ctx)
		return nil, fmt.Errorf("%s %s: %w", spec.Method, spec.Path, ErrNotFound)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		// signal the breaker; the worker owns backoff
		c.recordFailure(ctx)
		return nil, c.apiError(resp.StatusCode, http.StatusText(resp.StatusCode), string(body), requestID)
	}
	if resp.StatusCode >= 400 {
		c.recordSuccess(ctx)
		return nil, c.apiError(resp.StatusCode, http.StatusText(resp.StatusCode), string(body), requestID)
	}

	var envelope struct {
		Meta Meta            `json:"meta"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		c.recordFailure(ctx)
		return nil, c.apiError(resp.StatusCode, "decode envelope", err.Error(), requestID)
	}

	if envelope.Meta.Code == http.StatusNotFound {
		c.recordSuccess(ctx)
		return nil, fmt.Errorf("%s %s: %w", spec.Method, spec.Path, ErrNotFound)
	}
	if envelope.Meta.Code >= 400 {
		c.recordSuccess(ctx)
		return nil, c.apiError(envelope.Meta.Code, envelope.Meta.Message, envelope.Meta.Description, requestID)
	}

	c.recordSuccess(ctx)
	return &Response{
		StatusCode: resp.StatusCode,
		Meta:       envelope.Meta,
		Data:       envelope.Data,
	}, nil
}

func (c *Client) apiError(code int, message, details, requestID string) *ApiError {
	return &ApiError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: c.nowFunc(),
		RequestID: requestID,
	}
}

func (c *Client) recordFailure(ctx context.Context) {
	if c.gate == nil {
		return
	}
	if err := c.gate.RecordFailure(ctx); err != nil {
		log.Printf("[marketclient] record failure: %v", err)
	}
}

func (c *Client) recordSuccess(ctx context.Context) {
	if c.gate == nil {
		return
	}
	if err := c.gate.RecordSuccess(ctx); err != nil {
		log.Printf("[marketclient] record success: %v", err)
	}
}
