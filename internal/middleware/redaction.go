package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

const redacted = "[REDACTED]"

// credential headers, canonical form
var secretHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
	"Set-Cookie":    true,
}

// The sidecar may authenticate with ?token= because browsers cannot set
// headers on websocket upgrades.
var secretParams = map[string]bool{
	"token": true,
}

// maskHeader keeps the auth scheme so logs still show how a caller authenticated
func maskHeader(key, value string) string {
	if key == "Authorization" {
		if scheme, _, ok := strings.Cut(strings.TrimSpace(value), " "); ok && scheme != "" {
			return scheme + " " + redacted
		}
	}
	return redacted
}

// RedactHeaders returns a copy of h safe to log
func RedactHeaders(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := h.Clone()
	for key, values := range out {
		if !secretHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for i, v := range values {
			values[i] = maskHeader(http.CanonicalHeaderKey(key), v)
		}
	}
	return out
}

// RedactQuery returns the encoded query of u with credential parameters masked
func RedactQuery(u *url.URL) string {
	if u == nil || u.RawQuery == "" {
		return ""
	}
	q := u.Query()
	for key := range q {
		if secretParams[strings.ToLower(key)] {
			q.Set(key, redacted)
		}
	}
	return q.Encode()
}
