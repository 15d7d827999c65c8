// Package transport implements the signed, retrying REST client for the
// remote rule platform. Every method returns payloads already normalized to
// POSTable form, so GET responses round-trip through PUT/POST unchanged.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	// rateLimitFudge pads the server-directed sleep; time.Sleep is not that
	// accurate and a quarter second is barely noticeable.
	rateLimitFudge = 250 * time.Millisecond

	// networkBackoff is the constant delay between retries of network or
	// parse failures.
	networkBackoff = 500 * time.Millisecond
)

// Client is a typed REST client for one organization. Each request carries a
// per-request Hawk authorization header with the organization ID as ext.
type Client struct {
	BaseURL    string
	Retries    int // attempts per call; 0 means retry forever
	HTTPClient *http.Client

	creds hawkCredentials

	// sleep is swappable in tests.
	sleep func(time.Duration)
}

// New creates a Client for the given credentials and organization.
func New(userID, apiKey, orgID, baseURL string, retries int) *Client {
	return &Client{
		BaseURL:    baseURL,
		Retries:    retries,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		creds:      hawkCredentials{ID: userID, Key: apiKey, Ext: orgID},
		sleep:      time.Sleep,
	}
}

// do performs one verb with retry. Rate-limit responses sleep for the
// header-directed duration plus a fudge factor; network and parse failures
// back off by a constant. Any other non-2xx aborts immediately.
func (c *Client) do(ctx context.Context, method, path string, payload map[string]any) (map[string]any, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("transport: marshal payload: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; c.Retries == 0 || attempt < c.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := c.once(ctx, method, path, body)
		if err == nil {
			return res, nil
		}
		lastErr = err

		var rate *RateLimitError
		var retryable *retryableError
		switch {
		case errors.As(err, &rate):
			log.Printf("[transport] rate limited on %s %s, sleeping %s", method, path, rate.Delay+rateLimitFudge)
			c.sleep(rate.Delay + rateLimitFudge)
		case errors.As(err, &retryable):
			c.sleep(networkBackoff)
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("transport: retries exhausted for %s %s: %w", method, path, lastErr)
}

// once performs a single HTTP round trip.
func (c *Client) once(ctx context.Context, method, path string, body []byte) (map[string]any, error) {
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return nil, fmt.Errorf("transport: bad url %s%s: %w", c.BaseURL, path, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", hawkHeader(c.creds, method, u, body, "application/json", time.Now(), newNonce()))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &retryableError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{Delay: rateLimitResetDelay(resp), URL: u.String()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: u.String(), Body: string(respBody)}
	}

	if len(respBody) == 0 {
		return map[string]any{}, nil
	}
	var parsed map[string]any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &retryableError{Err: fmt.Errorf("parse response from %s: %w", u.String(), err)}
	}
	return parsed, nil
}

// rateLimitResetDelay reads the x-rate-limit-reset header (milliseconds until
// the next window). Falls back to 30s when absent or unparsable.
func rateLimitResetDelay(resp *http.Response) time.Duration {
	v := resp.Header.Get("x-rate-limit-reset")
	ms, err := strconv.ParseFloat(v, 64)
	if err != nil || ms < 0 {
		return 30 * time.Second
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// --- normalization helpers ---

// strip removes server-only fields so the payload is POSTable.
func strip(m map[string]any, fields ...string) map[string]any {
	for _, f := range fields {
		delete(m, f)
	}
	return m
}

// renameRulesField converts the server's "rules" ID list to the POSTable
// "ruleIds" field on ruleset payloads.
func renameRulesField(m map[string]any) map[string]any {
	if v, ok := m["rules"]; ok {
		m["ruleIds"] = v
		delete(m, "rules")
	}
	return m
}

func asObjectList(v any) ([]map[string]any, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("transport: expected array, got %T", v)
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("transport: expected object in array, got %T", item)
		}
		out = append(out, obj)
	}
	return out, nil
}

func extractID(m map[string]any) (string, error) {
	id, ok := m["id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("transport: response carries no id field")
	}
	return id, nil
}

// --- GET ---

// GetRulesets lists the organization's rulesets. Each item is normalized to
// POSTable form but keeps its "id" so callers can address it.
func (c *Client) GetRulesets(ctx context.Context) ([]map[string]any, error) {
	res, err := c.do(ctx, http.MethodGet, "/v2/rulesets", nil)
	if err != nil {
		return nil, err
	}
	items, err := asObjectList(res["rulesets"])
	if err != nil {
		return nil, err
	}
	for _, rs := range items {
		renameRulesField(strip(rs, "createdAt", "updatedAt"))
	}
	return items, nil
}

// GetRuleset fetches one ruleset in POSTable form.
func (c *Client) GetRuleset(ctx context.Context, rulesetID string) (map[string]any, error) {
	res, err := c.do(ctx, http.MethodGet, "/v2/rulesets/"+rulesetID, nil)
	if err != nil {
		return nil, err
	}
	return renameRulesField(strip(res, "id", "createdAt", "updatedAt")), nil
}

// GetRulesetRules lists a ruleset's rules verbosely. Each rule keeps its "id"
// but loses the other server-only fields.
func (c *Client) GetRulesetRules(ctx context.Context, rulesetID string) ([]map[string]any, error) {
	res, err := c.do(ctx, http.MethodGet, "/v2/rulesets/"+rulesetID+"/rules", nil)
	if err != nil {
		return nil, err
	}
	rules, err := asObjectList(res["rules"])
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		strip(r, "rulesetId", "createdAt", "updatedAt")
	}
	return rules, nil
}

// GetRule fetches one rule in POSTable form.
func (c *Client) GetRule(ctx context.Context, rulesetID, ruleID string) (map[string]any, error) {
	res, err := c.do(ctx, http.MethodGet, "/v2/rulesets/"+rulesetID+"/rules/"+ruleID, nil)
	if err != nil {
		return nil, err
	}
	return strip(res, "id", "rulesetId", "createdAt", "updatedAt"), nil
}

// GetRuleTags fetches a rule's tags in POSTable form.
func (c *Client) GetRuleTags(ctx context.Context, ruleID string) (map[string]any, error) {
	res, err := c.do(ctx, http.MethodGet, "/v2/rules/"+ruleID+"/tags", nil)
	if err != nil {
		return nil, err
	}
	return strip(res, "errors"), nil
}

// --- PUT ---

// PutRuleset overwrites an existing ruleset.
func (c *Client) PutRuleset(ctx context.Context, rulesetID string, data map[string]any) (map[string]any, error) {
	res, err := c.do(ctx, http.MethodPut, "/v2/rulesets/"+rulesetID, data)
	if err != nil {
		return nil, err
	}
	return strip(res, "createdAt", "updatedAt"), nil
}

// PutRule overwrites an existing rule.
func (c *Client) PutRule(ctx context.Context, rulesetID, ruleID string, data map[string]any) (map[string]any, error) {
	res, err := c.do(ctx, http.MethodPut, "/v2/rulesets/"+rulesetID+"/rules/"+ruleID, data)
	if err != nil {
		return nil, err
	}
	return strip(res, "createdAt", "updatedAt", "rulesetId"), nil
}

// --- POST ---

// PostRuleset creates a ruleset and returns the platform-assigned ID, which
// the engine propagates back into the local directory structure.
func (c *Client) PostRuleset(ctx context.Context, data map[string]any) (string, map[string]any, error) {
	res, err := c.do(ctx, http.MethodPost, "/v2/rulesets", data)
	if err != nil {
		return "", nil, err
	}
	id, err := extractID(res)
	if err != nil {
		return "", nil, err
	}
	return id, renameRulesField(strip(res, "id", "createdAt", "updatedAt")), nil
}

// PostRule creates a rule under a ruleset and returns the platform-assigned ID.
func (c *Client) PostRule(ctx context.Context, rulesetID string, data map[string]any) (string, map[string]any, error) {
	res, err := c.do(ctx, http.MethodPost, "/v2/rulesets/"+rulesetID+"/rules", data)
	if err != nil {
		return "", nil, err
	}
	id, err := extractID(res)
	if err != nil {
		return "", nil, err
	}
	return id, strip(res, "id", "createdAt", "updatedAt", "rulesetId"), nil
}

// PostTags creates or replaces the tags on a rule.
func (c *Client) PostTags(ctx context.Context, ruleID string, data map[string]any) (map[string]any, error) {
	res, err := c.do(ctx, http.MethodPost, "/v2/rules/"+ruleID+"/tags", data)
	if err != nil {
		return nil, err
	}
	return strip(res, "errors"), nil
}

// --- DELETE ---

// DeleteRule removes a rule from the platform.
func (c *Client) DeleteRule(ctx context.Context, rulesetID, ruleID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v2/rulesets/"+rulesetID+"/rules/"+ruleID, nil)
	return err
}

// DeleteRuleset removes a ruleset from the platform.
func (c *Client) DeleteRuleset(ctx context.Context, rulesetID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v2/rulesets/"+rulesetID, nil)
	return err
}
