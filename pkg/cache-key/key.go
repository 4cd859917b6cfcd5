package cachekey

import (
	"errors"
	"net"
	"net/http"
)

var ErrMethodNotSupported = errors.New("method not supported")

const methodSeparator = ":"

// ForRequest returns the cache key for an incoming request.
// Only GET requests have cache keys; the key covers the method, the request
// hostname and the full request URI including the query string.
func ForRequest(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", ErrMethodNotSupported
	}
	return http.MethodGet + methodSeparator + Hostname(r) + r.URL.RequestURI(), nil
}

// ForPath returns the cache key for a GET of the given path on the given
// host. It is used for shell manifest population at install time and for
// the root document fallback lookup.
func ForPath(host, path string) string {
	return http.MethodGet + methodSeparator + host + path
}

// Hostname returns the hostname the request is addressed to, with any port
// stripped. Host matching against the remote allow-list is exact.
func Hostname(r *http.Request) string {
	host := r.Host
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}
	if hostname, _, err := net.SplitHostPort(host); err == nil {
		return hostname
	}
	return host
}
