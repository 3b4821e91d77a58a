package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// CanonicalURL normalises a quiz target URL so that equivalent spellings map
// to one identity: scheme and host are lowercased, default ports dropped,
// the path cleaned, fragments removed and query parameters sorted. Query
// parameters are never discarded; targets routinely encode task identity in
// them. A missing scheme defaults to https.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty url")
	}

	parsed, err := parseLoose(raw)
	if err != nil {
		return "", err
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}

	host := strings.ToLower(parsed.Host)
	if host == "" {
		return "", errors.New("url missing host")
	}
	host = strings.TrimSuffix(host, defaultPort(parsed.Scheme))
	parsed.Host = host

	parsed.Path = cleanPath(parsed.Path)
	parsed.Fragment = ""

	query := parsed.Query()
	if len(query) == 0 {
		parsed.RawQuery = ""
	} else {
		for _, values := range query {
			sort.Strings(values)
		}
		// Values.Encode sorts keys, which together with the per-key sort
		// above makes the query deterministic.
		parsed.RawQuery = query.Encode()
	}

	return parsed.String(), nil
}

// AbsoluteTarget resolves a next-target reference against the target it came
// from. Absolute references pass through untouched; relative ones (paths,
// query-only, protocol-relative) are resolved the way a browser would.
func AbsoluteTarget(base, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("empty target reference")
	}
	parsedRef, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("target reference %q: %w", ref, err)
	}
	if parsedRef.IsAbs() {
		return ref, nil
	}
	parsedBase, err := url.Parse(strings.TrimSpace(base))
	if err != nil || !parsedBase.IsAbs() {
		return "", fmt.Errorf("cannot resolve relative target %q without an absolute base", ref)
	}
	return parsedBase.ResolveReference(parsedRef).String(), nil
}

// URLFingerprint returns a stable SHA-256 hex digest of the canonical URL,
// suitable for cache and dedupe keys.
func URLFingerprint(raw string) (string, error) {
	canonical, err := CanonicalURL(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http":
		return ":80"
	case "https":
		return ":443"
	default:
		return ""
	}
}

// cleanPath collapses dot segments and repeated slashes while keeping an
// explicitly written trailing slash, since /task and /task/ may be distinct
// resources.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		cleaned = "/"
	}
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	if cleaned != "/" && strings.HasSuffix(p, "/") && !strings.HasSuffix(cleaned, "/") {
		cleaned += "/"
	}
	return cleaned
}

// parseLoose accepts schemeless spellings like example.com/task or
// //example.com/task in addition to full URLs.
func parseLoose(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" && parsed.Host == "" {
		if strings.HasPrefix(raw, "//") {
			return url.Parse("https:" + raw)
		}
		return url.Parse("https://" + raw)
	}
	return parsed, nil
}
