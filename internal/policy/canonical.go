// Package policy derives the two computed attributes of a frontier entry:
// the dedup key of its canonical URL and its crawl priority.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

var (
	errEmptyURL       = errors.New("url is empty")
	errMissingHost    = errors.New("url has no host")
	errUnsupportedURL = errors.New("url scheme must be http or https")
)

// Canonicalize standardizes a URL so equivalent spellings collapse to one key.
// It lowercases the scheme and host, removes default ports, drops the
// fragment, defaults an empty path to "/", and sorts query parameters.
func Canonicalize(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", errEmptyURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errUnsupportedURL
	}
	u.Host = strings.ToLower(u.Host)
	if u.Hostname() == "" {
		return "", errMissingHost
	}

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	if u.RawQuery != "" {
		u.RawQuery = sortQuery(u.RawQuery)
	}
	u.ForceQuery = false

	return u.String(), nil
}

// sortQuery orders query parameters. A query url.ParseQuery rejects (a ';'
// separator, a bad escape) keeps every raw pair, sorted as written, so
// distinct queries never collapse.
func sortQuery(raw string) string {
	values, err := url.ParseQuery(raw)
	if err == nil {
		return values.Encode()
	}
	pairs := strings.Split(raw, "&")
	kept := pairs[:0]
	for _, p := range pairs {
		if p != "" {
			kept = append(kept, p)
		}
	}
	sort.Strings(kept)
	return strings.Join(kept, "&")
}

// DedupKey returns the hex SHA-256 digest of a canonical URL.
func DedupKey(canonicalURL string) string {
	sum := sha256.Sum256([]byte(canonicalURL))
	return hex.EncodeToString(sum[:])
}

// Key canonicalizes rawURL and returns both the canonical form and its key.
func Key(rawURL string) (canonical, key string, err error) {
	canonical, err = Canonicalize(rawURL)
	if err != nil {
		return "", "", err
	}
	return canonical, DedupKey(canonical), nil
}
