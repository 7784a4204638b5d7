package ratelimit

import (
	"net/url"
	"strings"
)

// ValidationError reports a URL that does not belong to the configured
// upstream API.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid endpoint URL: " + e.Reason
}

// Resource instance IDs follow fixed prefixes; a path segment matching
// one of these collapses into its parent collection's bucket key.
var resourceIDPrefixes = []string{"lead_", "task_", "cont_", "acti_", "user_", "org_"}

// KeyExtractor normalizes upstream URLs into stable rate-limit bucket
// keys, so all instances of a resource type share one bucket.
type KeyExtractor struct {
	Host string // e.g. "api.close.com"
}

// Extract validates rawURL against the configured host and returns the
// normalized endpoint key.
//
//	https://api.close.com/api/v1/lead/lead_123/   -> /api/v1/lead/
//	https://api.close.com/api/v1/data/search/     -> /api/v1/data/search/
func (k *KeyExtractor) Extract(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", &ValidationError{Reason: "URL is empty"}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", &ValidationError{Reason: "malformed URL: " + err.Error()}
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", &ValidationError{Reason: "URL must use http or https"}
	}

	if !strings.EqualFold(parsed.Host, k.Host) {
		return "", &ValidationError{Reason: "host must be " + k.Host}
	}

	path := parsed.Path
	if path == "" || path == "/" {
		return "", &ValidationError{Reason: "missing API path"}
	}

	segments := splitPath(path)
	if len(segments) < 3 {
		return "", &ValidationError{Reason: "path too short, expected /api/v1/<resource>/"}
	}

	if !strings.EqualFold(segments[0], "api") {
		return "", &ValidationError{Reason: "path must start with /api/"}
	}
	if !strings.EqualFold(segments[1], "v1") {
		return "", &ValidationError{Reason: "only API version v1 is supported"}
	}

	// Path case is preserved; only the prefix match above is
	// case-insensitive.
	root := segments[2]

	if len(segments) >= 4 && hasResourceIDPrefix(segments[3]) {
		return "/" + segments[0] + "/" + segments[1] + "/" + root + "/", nil
	}

	// data endpoints are keyed one level deeper (/api/v1/data/search/)
	if strings.EqualFold(root, "data") && len(segments) >= 4 {
		return "/" + segments[0] + "/" + segments[1] + "/" + root + "/" + segments[3] + "/", nil
	}

	return "/" + segments[0] + "/" + segments[1] + "/" + root + "/", nil
}

func splitPath(path string) []string {
	var segments []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	return segments
}

func hasResourceIDPrefix(segment string) bool {
	for _, prefix := range resourceIDPrefixes {
		if strings.HasPrefix(segment, prefix) {
			return true
		}
	}
	return false
}
