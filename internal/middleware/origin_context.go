package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/better-wallet/dapp-provider/internal/logger"
)

type contextKey string

const (
	clientIPKey  contextKey = "client_ip"
	userAgentKey contextKey = "user_agent"
)

// OriginContext records the calling page origin, client IP and User-Agent.
// The origin is attached to the logging context; the pipeline itself reads
// the origin from the request session, not from this header.
func OriginContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if origin := r.Header.Get("Origin"); origin != "" {
			ctx = logger.WithOrigin(ctx, origin)
		}
		if ip := clientIP(r); ip != "" {
			ctx = context.WithValue(ctx, clientIPKey, ip)
		}
		if ua := r.Header.Get("User-Agent"); ua != "" {
			ctx = context.WithValue(ctx, userAgentKey, ua)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then RemoteAddr
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return ip
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if net.ParseIP(r.RemoteAddr) != nil {
			return r.RemoteAddr
		}
		return ""
	}
	return ip
}

// GetClientIP retrieves the client IP from context
func GetClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

// GetUserAgent retrieves the user agent from context
func GetUserAgent(ctx context.Context) string {
	ua, _ := ctx.Value(userAgentKey).(string)
	return ua
}
