package renosync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/reno_backend/utils"
)

// DocumentFetcher resolves a budget document URL to raw bytes.
type DocumentFetcher interface {
	FetchDocument(ctx context.Context, rawURL string) ([]byte, error)
}

type storageFetcher struct {
	http        *http.Client
	provider    string
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewDocumentFetcher returns a fetcher that reads gs:// and Cloud Storage
// https URLs through the storage client and everything else over plain HTTP.
// STORAGE_PROVIDER=http sends every URL through the HTTP path, which is what
// local environments without GCS credentials run with.
func NewDocumentFetcher() DocumentFetcher {
	return &storageFetcher{
		http:        &http.Client{Timeout: 60 * time.Second},
		provider:    utils.GetStorageProvider(),
		maxAttempts: intFromEnv("DOC_FETCH_MAX_ATTEMPTS", 3),
		baseBackoff: 500 * time.Millisecond,
		maxBackoff:  4 * time.Second,
	}
}

func (f *storageFetcher) FetchDocument(ctx context.Context, rawURL string) ([]byte, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("document url is empty")
	}

	var lastErr error
	for attempt := 0; attempt < f.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := f.baseBackoff << (attempt - 1)
			if backoff > f.maxBackoff {
				backoff = f.maxBackoff
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		data, err := f.fetchOnce(ctx, rawURL)
		if err == nil {
			return data, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("fetch %s: retry budget exhausted: %w", rawURL, lastErr)
}

func (f *storageFetcher) fetchOnce(ctx context.Context, rawURL string) ([]byte, error) {
	if bucket, objectKey, ok := utils.ParseGCSObjectURL(rawURL); ok && f.provider == utils.StorageProviderGCS {
		data, err := utils.DownloadGCSObject(ctx, bucket, objectKey)
		if err != nil {
			return nil, &TransientError{Err: err}
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, &TransientError{Err: fmt.Errorf("document fetch %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("document fetch %d for %s", resp.StatusCode, rawURL)
	}

	return io.ReadAll(resp.Body)
}
