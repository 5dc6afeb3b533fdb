package utils

import (
	"net/url"
	"strings"
)

// ParseGCSObjectURL splits a document URL into bucket and object key when the
// URL addresses Google Cloud Storage. Returns ok=false for plain http(s) URLs
// that should be fetched directly.
//
// Recognised forms:
//   - gs://<bucket>/<objectKey>
//   - https://storage.googleapis.com/<bucket>/<objectKey>
//   - https://storage.cloud.google.com/<bucket>/<objectKey>
//   - https://<bucket>.storage.googleapis.com/<objectKey>
func ParseGCSObjectURL(rawURL string) (bucket string, objectKey string, ok bool) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawURL, "gs://") {
		rest := strings.TrimPrefix(rawURL, "gs://")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return parts[0], parts[1], true
		}
		return "", "", false
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", false
	}

	host := strings.ToLower(strings.TrimSpace(parsed.Host))
	p := strings.TrimPrefix(parsed.Path, "/")
	if host == "storage.googleapis.com" || host == "storage.cloud.google.com" {
		parts := strings.SplitN(p, "/", 2)
		if len(parts) == 2 && parts[1] != "" {
			return parts[0], parts[1], true
		}
		return "", "", false
	}
	if strings.HasSuffix(host, ".storage.googleapis.com") {
		b := strings.TrimSuffix(host, ".storage.googleapis.com")
		if b != "" && p != "" {
			return b, p, true
		}
	}

	return "", "", false
}
