package rpc

import (
	"context"
	"fmt"
	"net/url"
)

// Dial returns a Caller for cfg.URL, choosing the transport by URL scheme.
func Dial(ctx context.Context, cfg ClientConfig) (Caller, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid RPC URL: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		return NewHTTPClient(cfg), nil
	case "ws", "wss":
		return DialWebSocket(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported RPC URL scheme %q", u.Scheme)
	}
}
