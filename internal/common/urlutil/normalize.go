package urlutil

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Normalize produces the canonical form used for uniqueness checks:
// whitespace trimmed, scheme and host lowercased, trailing slash
// stripped from the path, fragment dropped. Query strings are kept
// verbatim since they address distinct resources.
func Normalize(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("url scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return "", fmt.Errorf("url has no hostname")
	}

	parsed.Scheme = scheme
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	if parsed.Path != "/" {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	} else {
		parsed.Path = ""
	}

	return parsed.String(), nil
}

// NormalizedKey returns the xxhash64 digest of the normalized URL,
// suitable as a fixed-width index field.
func NormalizedKey(normalized string) string {
	return strconv.FormatUint(xxhash.Sum64String(normalized), 16)
}
