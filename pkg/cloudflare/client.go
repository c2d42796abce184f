package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/jdorescf/sselab-risk-scores/pkg/core"
)

const (
	OpRiskScores = "risk_scores"
	OpListItems  = "list_items"
	OpListUpdate = "list_update"

	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 32 << 20
)

// ClientConfig configures a Client. Either APIToken or AuthEmail+APIKey must be set.
type ClientConfig struct {
	BaseURL    string
	AccountID  string
	AuthEmail  string
	APIKey     core.Secret
	APIToken   core.Secret
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the Zero Trust risk-scoring and Gateway list endpoints.
type Client struct {
	baseURL   string
	accountID string
	authEmail string
	apiKey    core.Secret
	http      *http.Client
	timeout   time.Duration
	tracer    trace.Tracer
}

func NewClient(ctx context.Context, cfg ClientConfig) *Client {
	base := cfg.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	httpClient := base
	if cfg.APIToken.IsSet() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIToken.Value, TokenType: "Bearer"})
		httpClient = oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), ts)
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		accountID: cfg.AccountID,
		authEmail: cfg.AuthEmail,
		apiKey:    cfg.APIKey,
		http:      httpClient,
		timeout:   cfg.Timeout,
		tracer:    otel.Tracer("sselab-risk-scores/cloudflare"),
	}
}

// RiskScores returns every user of the risk-scoring summary in source order.
func (c *Client) RiskScores(ctx context.Context) ([]RiskRecord, error) {
	path := fmt.Sprintf("/accounts/%s/zt_risk_scoring/summary", c.accountID)
	body, err := c.do(ctx, OpRiskScores, http.MethodGet, path, nil, CategoryFetch)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, newUpstreamError(CategoryParse, OpRiskScores, 0, "decode response", err)
	}
	var summary riskSummary
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &summary); err != nil {
			return nil, newUpstreamError(CategoryParse, OpRiskScores, 0, "decode result", err)
		}
	}
	if summary.Users == nil {
		return nil, newUpstreamError(CategoryParse, OpRiskScores, 0, "response has no result.users", nil)
	}

	records := make([]RiskRecord, 0, len(*summary.Users))
	for _, u := range *summary.Users {
		records = append(records, RiskRecord{Identity: u.Email, Level: ParseRiskLevel(u.MaxRiskLevel)})
	}
	return records, nil
}

// ListItems returns the current entries of a Gateway list. An empty body or
// a null result means the list is empty.
func (c *Client) ListItems(ctx context.Context, listID string) ([]ListEntry, error) {
	path := fmt.Sprintf("/accounts/%s/gateway/lists/%s/items", c.accountID, listID)
	body, err := c.do(ctx, OpListItems, http.MethodGet, path, nil, CategoryFetch)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return []ListEntry{}, nil
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, newUpstreamError(CategoryParse, OpListItems, 0, "decode response", err)
	}
	if len(env.Result) == 0 || bytes.Equal(bytes.TrimSpace(env.Result), []byte("null")) {
		return []ListEntry{}, nil
	}

	var items []listItem
	if err := json.Unmarshal(env.Result, &items); err != nil {
		return nil, newUpstreamError(CategoryParse, OpListItems, 0, "decode result", err)
	}
	entries := make([]ListEntry, 0, len(items))
	for _, it := range items {
		entries = append(entries, ListEntry{Value: it.Value, Description: it.Description})
	}
	return entries, nil
}

// PatchList submits remove and append in one PATCH.
func (c *Client) PatchList(ctx context.Context, listID string, patch ListPatch) error {
	path := fmt.Sprintf("/accounts/%s/gateway/lists/%s", c.accountID, listID)
	_, err := c.do(ctx, OpListUpdate, http.MethodPatch, path, patch, CategoryUpdate)
	return err
}

// do runs one call under its own deadline. Transport and status failures are
// reported with failCategory; deadline hits with CategoryTimeout.
func (c *Client) do(ctx context.Context, op, method, path string, payload any, failCategory Category) (_ []byte, err error) {
	ctx, span := c.tracer.Start(ctx, "cloudflare."+op, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("cloudflare.op", op),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, newUpstreamError(failCategory, op, 0, "encode request", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, newUpstreamError(failCategory, op, 0, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authEmail != "" {
		req.Header.Set("X-Auth-Email", c.authEmail)
	}
	if c.apiKey.IsSet() {
		req.Header.Set("X-Auth-Key", c.apiKey.Value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, newUpstreamError(CategoryTimeout, op, 0, "request timed out", err)
		}
		return nil, newUpstreamError(failCategory, op, 0, "execute request", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, newUpstreamError(CategoryTimeout, op, resp.StatusCode, "reading response timed out", err)
		}
		return nil, newUpstreamError(failCategory, op, resp.StatusCode, "read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newUpstreamError(failCategory, op, resp.StatusCode, statusMessage(body), nil)
	}
	return body, nil
}

// isTimeout also covers http.Client.Timeout, which does not wrap DeadlineExceeded.
func isTimeout(ctx context.Context, err error) bool {
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

// statusMessage pulls the API's error messages out of a failure body.
func statusMessage(body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Errors) > 0 {
		msgs := make([]string, 0, len(env.Errors))
		for _, e := range env.Errors {
			msgs = append(msgs, fmt.Sprintf("%d: %s", e.Code, e.Message))
		}
		return "unexpected status: " + strings.Join(msgs, "; ")
	}
	return "unexpected status"
}
