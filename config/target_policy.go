package config

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
)

// Normalize cleans entries and removes duplicates.
func (c TargetPolicyConfig) Normalize() TargetPolicyConfig {
	norm := c
	norm.Allow = sanitizeHostList(norm.Allow)
	norm.Deny = sanitizeHostList(norm.Deny)
	return norm
}

// Validate ensures configured policy entries do not conflict and are well-formed.
func (c TargetPolicyConfig) Validate() error {
	norm := c.Normalize()

	allow := make(map[string]struct{}, len(norm.Allow))
	for _, host := range norm.Allow {
		allow[host] = struct{}{}
	}
	for _, host := range norm.Deny {
		if _, ok := allow[host]; ok {
			return fmt.Errorf("target policy conflict: host %q present in both allow and deny lists", host)
		}
	}
	return nil
}

// Permits reports whether the policy lets a tool fetch rawURL. Deny entries
// always win; a non-empty allow list restricts fetching to the listed hosts
// and their subdomains.
func (c TargetPolicyConfig) Permits(rawURL string) error {
	norm := c.Normalize()
	if len(norm.Allow) == 0 && len(norm.Deny) == 0 {
		return nil
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("target policy: cannot derive host from %q", rawURL)
	}
	host := normalizeHost(u.Hostname())
	for _, entry := range norm.Deny {
		if hostMatches(host, entry) {
			return fmt.Errorf("target host %q is denied by policy", host)
		}
	}
	if len(norm.Allow) == 0 {
		return nil
	}
	for _, entry := range norm.Allow {
		if hostMatches(host, entry) {
			return nil
		}
	}
	return fmt.Errorf("target host %q is not on the allow list", host)
}

// hostMatches treats an entry as covering the host itself and any subdomain.
func hostMatches(host, entry string) bool {
	return host == entry || strings.HasSuffix(host, "."+entry)
}

func sanitizeHostList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	for _, raw := range values {
		host := normalizeHost(raw)
		if host == "" {
			continue
		}
		seen[host] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for host := range seen {
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}

func normalizeHost(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		if u, err := url.Parse(value); err == nil && u.Host != "" {
			value = u.Host
		}
	}
	if host, _, err := net.SplitHostPort(value); err == nil {
		value = host
	}
	return strings.TrimPrefix(value, "www.")
}
