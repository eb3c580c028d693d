// File: internal/policy/allowlist.go

// Package policy enforces which hosts the bridge is allowed to automate.
// A request whose target falls outside the allow-list is rejected up front
// and never retried.
package policy

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrDomainNotAllowed marks a target host rejected by the allow-list.
var ErrDomainNotAllowed = errors.New("target domain not allowed")

// Allowlist is an immutable set of permitted hosts. An entry of the form
// "*.example.com" permits any subdomain of example.com; a bare host matches
// exactly. An empty list permits nothing.
type Allowlist struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewAllowlist builds an allow-list from configured host patterns. Patterns
// are normalized to lowercase; empty entries are ignored.
func NewAllowlist(hosts []string) *Allowlist {
	al := &Allowlist{exact: make(map[string]struct{})}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if strings.HasPrefix(h, "*.") {
			al.suffixes = append(al.suffixes, h[1:]) // keep the leading dot
			continue
		}
		al.exact[h] = struct{}{}
	}
	return al
}

// CheckURL validates a raw target URL against the allow-list.
func (a *Allowlist) CheckURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("%w: empty target url", ErrDomainNotAllowed)
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("%w: unparseable target %q", ErrDomainNotAllowed, rawURL)
	}
	return a.CheckHost(u.Hostname())
}

// CheckHost validates a bare hostname against the allow-list.
func (a *Allowlist) CheckHost(host string) error {
	host = strings.ToLower(strings.TrimSpace(host))
	if _, ok := a.exact[host]; ok {
		return nil
	}
	for _, suffix := range a.suffixes {
		if strings.HasSuffix(host, suffix) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrDomainNotAllowed, host)
}

// Empty reports whether the allow-list has no entries.
func (a *Allowlist) Empty() bool {
	return len(a.exact) == 0 && len(a.suffixes) == 0
}
