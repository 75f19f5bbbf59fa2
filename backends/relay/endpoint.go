package relay

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// apiPaths are appended by the relay; a base URL that already ends in one
// of them would produce paths like /v1/chat/v1/chat.
var apiPaths = []string{ChatPath, ModelsPath, "/v1"}

// parseEndpoint checks that raw names the root of a remote llmsched server.
// The root may sit under a path prefix when the server is mounted behind a
// proxy. Credentials belong in api_key, never in the URL.
func parseEndpoint(raw string, allowPrivate bool) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid base_url: %w", err)
	}
	switch {
	case u.Scheme != "http" && u.Scheme != "https":
		return nil, fmt.Errorf("base_url scheme %q is not http or https", u.Scheme)
	case u.Hostname() == "":
		return nil, fmt.Errorf("base_url %q has no host", raw)
	case u.User != nil:
		return nil, fmt.Errorf("base_url must not carry credentials; use api_key")
	case u.RawQuery != "" || u.Fragment != "":
		return nil, fmt.Errorf("base_url must not carry a query or fragment")
	}

	u.Path = strings.TrimRight(u.Path, "/")
	for _, p := range apiPaths {
		if strings.HasSuffix(u.Path, p) {
			return nil, fmt.Errorf("base_url must be the server root, not %q; the relay appends %s itself", u.Path, ChatPath)
		}
	}

	if !allowPrivate && internalHost(u.Hostname()) {
		return nil, fmt.Errorf("base_url host %q is not publicly routable (set allow_private_base_url for in-cluster relays)", u.Hostname())
	}
	return u, nil
}

// internalHost reports whether host names this machine or a non-public
// network. Names other than localhost are not resolved.
func internalHost(host string) bool {
	h := strings.ToLower(host)
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}
	addr, err := netip.ParseAddr(h)
	if err != nil {
		return false
	}
	addr = addr.Unmap().WithZone("")
	return !addr.IsGlobalUnicast() || addr.IsPrivate() || addr.IsLoopback()
}
