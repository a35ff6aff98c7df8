package careAuth

import "context"

// requestInfo is what the transport knows about the caller. The engine uses
// it for the per-IP login budget and copies it onto audit events.
type requestInfo struct {
	clientIP  string
	requestID string
}

type requestInfoKey struct{}

func requestInfoFrom(ctx context.Context) requestInfo {
	if ctx == nil {
		return requestInfo{}
	}
	info, _ := ctx.Value(requestInfoKey{}).(requestInfo)
	return info
}

// WithClientIP attaches the caller's IP address to ctx.
func WithClientIP(ctx context.Context, ip string) context.Context {
	info := requestInfoFrom(ctx)
	info.clientIP = ip
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// WithRequestID attaches a transport request id to ctx. Audit events emitted
// under ctx carry it in their metadata as request_id.
func WithRequestID(ctx context.Context, id string) context.Context {
	info := requestInfoFrom(ctx)
	info.requestID = id
	return context.WithValue(ctx, requestInfoKey{}, info)
}

func clientIPFromContext(ctx context.Context) string {
	return requestInfoFrom(ctx).clientIP
}
