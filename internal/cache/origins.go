package cache

import (
	"fmt"
	"net/url"
	"strings"
)

// Origins is the set of first-party scheme://host pairs. Only responses
// from these are "basic" and may be stored.
type Origins struct {
	set   map[string]struct{}
	first *url.URL
}

func ParseOrigins(raw ...string) (*Origins, error) {
	o := &Origins{set: map[string]struct{}{}}
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		u, err := url.Parse(r)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid origin %q", r)
		}
		o.set[originOf(u)] = struct{}{}
		if o.first == nil {
			o.first = &url.URL{Scheme: u.Scheme, Host: u.Host}
		}
	}
	return o, nil
}

func originOf(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// Contains reports whether u is first-party. An empty set trusts everything.
func (o *Origins) Contains(u *url.URL) bool {
	if o == nil || len(o.set) == 0 {
		return true
	}
	_, ok := o.set[originOf(u)]
	return ok
}

// Resolve makes raw absolute against the first origin.
func (o *Origins) Resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.IsAbs() {
		return u, nil
	}
	if o == nil || o.first == nil {
		return nil, fmt.Errorf("relative url %q without origin", raw)
	}
	return o.first.ResolveReference(u), nil
}

// FirstParty reports whether u belongs to one of the engine's origins.
func (e *Engine) FirstParty(u *url.URL) bool {
	return e.origins.Contains(u)
}
