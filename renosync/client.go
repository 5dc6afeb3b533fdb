package renosync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// RecordSource is the read-only view of the external system-of-record.
type RecordSource interface {
	ListRecords(ctx context.Context, table TableKind, view string, offset string) ([]ExternalRecord, string, error)
	GetRecord(ctx context.Context, table TableKind, externalId string) (*ExternalRecord, error)
}

type crmClient struct {
	baseURL     string
	baseId      string
	apiKey      string
	http        *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewCRMClient builds a client for the external tabular API. Listing and
// single-record reads are paced by a rate limiter and retried with
// exponential backoff on 429/5xx/network errors before surfacing a fatal.
func NewCRMClient() (RecordSource, error) {
	baseURL := strings.TrimSpace(os.Getenv("CRM_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.crm.example.com/v0"
	}
	baseId := strings.TrimSpace(os.Getenv("CRM_BASE_ID"))
	if baseId == "" {
		return nil, errors.New("CRM_BASE_ID is required")
	}
	apiKey := strings.TrimSpace(os.Getenv("CRM_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("CRM_API_KEY is required")
	}

	rps := float64(intFromEnv("CRM_RATE_LIMIT_PER_SEC", 5))
	return &crmClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		baseId:      baseId,
		apiKey:      apiKey,
		http:        &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		maxAttempts: intFromEnv("CRM_MAX_ATTEMPTS", 3),
		baseBackoff: 500 * time.Millisecond,
		maxBackoff:  4 * time.Second,
	}, nil
}

type crmRecord struct {
	ID           string         `json:"id"`
	Fields       map[string]any `json:"fields"`
	LastModified string         `json:"lastModified"`
	CreatedTime  string         `json:"createdTime"`
}

type crmListResponse struct {
	Records []crmRecord `json:"records"`
	Offset  string      `json:"offset"`
}

func (c *crmClient) ListRecords(ctx context.Context, table TableKind, view string, offset string) ([]ExternalRecord, string, error) {
	params := url.Values{}
	if view != "" {
		params.Set("view", view)
	}
	if offset != "" {
		params.Set("offset", offset)
	}
	params.Set("pageSize", "100")

	body, err := c.getWithRetry(ctx, c.tablePath(table), params)
	if err != nil {
		return nil, "", err
	}

	var parsed crmListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, "", &FatalError{Err: fmt.Errorf("decode list response: %w", err)}
	}

	records := make([]ExternalRecord, 0, len(parsed.Records))
	for _, raw := range parsed.Records {
		records = append(records, toExternalRecord(table, raw))
	}
	return records, parsed.Offset, nil
}

func (c *crmClient) GetRecord(ctx context.Context, table TableKind, externalId string) (*ExternalRecord, error) {
	externalId = strings.TrimSpace(externalId)
	if externalId == "" {
		return nil, errors.New("external id is empty")
	}

	body, err := c.getWithRetry(ctx, c.tablePath(table)+"/"+url.PathEscape(externalId), nil)
	if err != nil {
		return nil, err
	}

	var raw crmRecord
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode record response: %w", err)
	}
	rec := toExternalRecord(table, raw)
	return &rec, nil
}

func (c *crmClient) tablePath(table TableKind) string {
	return "/" + c.baseId + "/" + string(table)
}

// getWithRetry performs one GET with pacing, retrying rate-limit and
// transient failures up to the attempt budget. Exhaustion converts the last
// retryable error into a terminal one.
func (c *crmClient) getWithRetry(ctx context.Context, path string, params url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.baseBackoff << (attempt - 1)
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, err := c.getOnce(ctx, path, params)
		if err == nil {
			return body, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, &FatalError{Err: fmt.Errorf("retry budget exhausted after %d attempts: %w", c.maxAttempts, lastErr)}
}

func (c *crmClient) getOnce(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, strings.TrimSpace(string(body)))
	case resp.StatusCode >= 500:
		return nil, &TransientError{Err: fmt.Errorf("crm api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &FatalError{Err: fmt.Errorf("crm api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}
	return body, nil
}

func toExternalRecord(table TableKind, raw crmRecord) ExternalRecord {
	return ExternalRecord{
		ExternalId:     strings.TrimSpace(raw.ID),
		Table:          table,
		Fields:         raw.Fields,
		LastModifiedAt: parseRecordTime(raw.LastModified, raw.CreatedTime),
	}
}

func parseRecordTime(lastModified, createdTime string) time.Time {
	for _, v := range []string{lastModified, createdTime} {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
