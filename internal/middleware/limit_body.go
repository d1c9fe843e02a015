package middleware

import (
	"net/http"
)

// MaxBodySize caps dapp request bodies. Typed data payloads are the largest
// legitimate input and stay well below this.
const MaxBodySize = 1 << 20

// LimitBody limits the size of request bodies
func LimitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}
