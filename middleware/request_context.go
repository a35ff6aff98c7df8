package middleware

import (
	"net"
	"net/http"

	careAuth "github.com/MrEthical07/careAuth"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// RequestContext attaches the remote address and, when chi's RequestID ran
// first, the request id to the context for the engine. Put chi's RealIP in
// front of it when running behind a trusted proxy.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		ctx := careAuth.WithClientIP(r.Context(), ip)
		if id := chimw.GetReqID(ctx); id != "" {
			ctx = careAuth.WithRequestID(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
