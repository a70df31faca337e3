package quickbase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dataglider/qbridge/pkg/clients"
	"github.com/dataglider/qbridge/pkg/errors"
	"github.com/dataglider/qbridge/pkg/json"
	"github.com/dataglider/qbridge/pkg/metrics"
)

const (
	// DefaultBaseURL is the production Quickbase API endpoint.
	DefaultBaseURL = "https://api.quickbase.com"

	// DefaultWatermark is the replication floor used when the host
	// supplies no starting watermark.
	DefaultWatermark = "1970-01-01"

	// defaultRateLimitFloor is the remaining-quota threshold at which the
	// client sleeps until the remote's reset time before the next request.
	defaultRateLimitFloor = 2
)

// Config holds the settings the client needs to talk to one Quickbase app.
type Config struct {
	// Hostname is the realm hostname (like yoursubdomain.quickbase.com)
	Hostname string
	// AppID is the Quickbase application id
	AppID string
	// UserToken is the Quickbase user token (secret)
	UserToken string
	// UserAgent is an optional User-Agent header value
	UserAgent string
	// BaseURL overrides the API endpoint, used in tests
	BaseURL string
	// RateLimitFloor overrides the remaining-quota sleep threshold
	RateLimitFloor int
}

// Client issues table-list, field-list, and record-query requests against
// the Quickbase API. It handles auth headers, rate-limit back-off, and
// error translation. Field lists are memoized per table id for the
// lifetime of the client (one extraction run).
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    clients.RateLimiter
	logger     *zap.Logger

	mu          sync.Mutex
	fieldsCache map[string]*fieldsEntry
}

// fieldsEntry serializes the first fetch per table id so concurrent table
// extractions never duplicate field-list requests.
type fieldsEntry struct {
	once   sync.Once
	fields []Field
	err    error
}

// NewClient creates a Quickbase client. httpClient and limiter may be nil;
// a default transport is used and pacing is skipped respectively.
func NewClient(cfg Config, httpClient *http.Client, limiter clients.RateLimiter, log *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RateLimitFloor <= 0 {
		cfg.RateLimitFloor = defaultRateLimitFloor
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Client{
		cfg:         cfg,
		httpClient:  httpClient,
		limiter:     limiter,
		logger:      log.With(zap.String("component", "quickbase_client")),
		fieldsCache: make(map[string]*fieldsEntry),
	}
}

// headers returns the auth headers every request needs.
func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("QB-Realm-Hostname", c.cfg.Hostname)
	h.Set("Authorization", "QB-USER-TOKEN "+c.cfg.UserToken)
	h.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		h.Set("User-Agent", c.cfg.UserAgent)
	}
	return h
}

// do issues one request, translates non-2xx responses into remote errors,
// and honors the remote's rate-limit signaling before returning.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, endpoint string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeRateLimit, "rate limiter wait interrupted")
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create request")
	}
	req.Header = c.headers()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	timer := metrics.NewTimer(endpoint)
	resp, err := c.httpClient.Do(req)
	timer.Stop()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, fmt.Sprintf("%s request failed", endpoint))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, fmt.Sprintf("failed to read %s response", endpoint))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, remoteError(resp.StatusCode, respBody, resp.Header)
	}

	if err := c.waitForQuota(ctx, resp.Header); err != nil {
		return nil, err
	}

	return respBody, nil
}

// remoteError translates a non-2xx response. The response body is always
// included; when the body mentions quota exhaustion the rate-limit headers
// are included too, and the error becomes retryable.
func remoteError(status int, body []byte, header http.Header) error {
	msg := fmt.Sprintf("quickbase api returned status %d: %s", status, string(body))

	quotaExhausted := status == http.StatusTooManyRequests ||
		strings.Contains(strings.ToLower(string(body)), "quota")
	if quotaExhausted {
		return errors.New(errors.ErrorTypeRateLimit, msg).
			WithDetail("x-ratelimit-remaining", header.Get("x-ratelimit-remaining")).
			WithDetail("x-ratelimit-reset", header.Get("x-ratelimit-reset"))
	}
	return errors.New(errors.ErrorTypeConnection, msg)
}

// waitForQuota sleeps for the remote-indicated reset duration when the
// remaining request quota drops to the configured floor.
func (c *Client) waitForQuota(ctx context.Context, header http.Header) error {
	remaining, err := strconv.Atoi(header.Get("x-ratelimit-remaining"))
	if err != nil || remaining > c.cfg.RateLimitFloor {
		return nil
	}

	resetMs, err := strconv.Atoi(header.Get("x-ratelimit-reset"))
	if err != nil || resetMs <= 0 {
		return nil
	}

	wait := time.Duration(resetMs) * time.Millisecond
	c.logger.Warn("rate limit quota low, sleeping until reset",
		zap.Int("remaining", remaining),
		zap.Duration("wait", wait))
	metrics.RateLimitSleeps.Inc()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeRateLimit, "cancelled while waiting for rate limit reset")
	case <-timer.C:
		return nil
	}
}

// Tables lists the tables of the configured app.
func (c *Client) Tables(ctx context.Context) ([]Table, error) {
	u := fmt.Sprintf("%s/v1/tables?appId=%s", c.cfg.BaseURL, url.QueryEscape(c.cfg.AppID))

	body, err := c.do(ctx, http.MethodGet, u, nil, "tables")
	if err != nil {
		return nil, err
	}

	var tables []Table
	if err := json.Unmarshal(body, &tables); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode tables response")
	}
	raw, err := decodeRawObjects(body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode tables response")
	}
	for i := range tables {
		tables[i].Raw = raw[i]
	}

	c.logger.Debug("listed tables", zap.Int("count", len(tables)))
	return tables, nil
}

// Fields lists the fields of one table. Results are memoized for the
// lifetime of the client; the first fetch per table id is serialized.
func (c *Client) Fields(ctx context.Context, tableID string) ([]Field, error) {
	c.mu.Lock()
	entry, ok := c.fieldsCache[tableID]
	if !ok {
		entry = &fieldsEntry{}
		c.fieldsCache[tableID] = entry
	}
	c.mu.Unlock()

	entry.once.Do(func() {
		entry.fields, entry.err = c.fetchFields(ctx, tableID)
	})
	if entry.err != nil {
		// Only successes are memoized; drop the entry so a retry can
		// fetch again.
		c.mu.Lock()
		if c.fieldsCache[tableID] == entry {
			delete(c.fieldsCache, tableID)
		}
		c.mu.Unlock()
	}
	return entry.fields, entry.err
}

func (c *Client) fetchFields(ctx context.Context, tableID string) ([]Field, error) {
	u := fmt.Sprintf("%s/v1/fields?tableId=%s&includeFieldPerms=false",
		c.cfg.BaseURL, url.QueryEscape(tableID))

	body, err := c.do(ctx, http.MethodGet, u, nil, "fields")
	if err != nil {
		return nil, err
	}

	var fields []Field
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode fields response")
	}
	raw, err := decodeRawObjects(body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode fields response")
	}
	for i := range fields {
		fields[i].Raw = raw[i]
	}

	c.logger.Debug("listed fields",
		zap.String("table_id", tableID),
		zap.Int("count", len(fields)))
	return fields, nil
}

// QueryRecords fetches one page of records. Rows are server-side filtered
// to replication key on-or-after req.Since and sorted ascending by the
// replication key, so pages arrive in non-decreasing watermark order.
func (c *Client) QueryRecords(ctx context.Context, req QueryRequest) (*RecordsPage, error) {
	since := req.Since
	if since == "" {
		since = DefaultWatermark
	}

	fieldIDs := make([]int, len(req.FieldIDs))
	copy(fieldIDs, req.FieldIDs)
	sort.Ints(fieldIDs)

	body := queryBody{
		From:    req.TableID,
		Select:  fieldIDs,
		Options: queryOptions{Skip: req.Skip, Top: req.PageSize},
		// Quickbase query language: OAF means "on or after".
		// https://help.quickbase.com/api-guide/componentsquery.html
		Where: fmt.Sprintf("{'%d'.OAF.'%s'}", req.ReplicationFieldID, since),
		// The last-modified field is a standard Quickbase field, so the
		// sort does not need to be configurable.
		SortBy: []querySort{{FieldID: req.ReplicationFieldID, Order: "ASC"}},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode record query")
	}

	c.logger.Debug("sending record query",
		zap.String("table_id", req.TableID),
		zap.ByteString("body", payload))

	respBody, err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/records/query", payload, "records")
	if err != nil {
		return nil, err
	}

	// The remote can emit bare NaN/Infinity tokens and numeric literals
	// that overflow float64, none of which a strict decoder accepts.
	// Rewrite those tokens first so non-finite values arrive as nulls, then
	// decode with UseNumber so surviving numerics keep their precision.
	respBody = sanitizeJSONTokens(respBody)

	var page RecordsPage
	dec := json.NewDecoder(bytes.NewReader(respBody))
	if err := dec.Decode(&page); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode record query response")
	}

	return &page, nil
}
