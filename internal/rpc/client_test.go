package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCError(t *testing.T) {
	err := &RPCError{Code: -32000, Message: "nonce too low"}

	errStr := err.Error()
	if errStr != "RPC error -32000: nonce too low" {
		t.Errorf("RPCError.Error() = %q, want %q", errStr, "RPC error -32000: nonce too low")
	}

	if !isRPCError(err) {
		t.Error("isRPCError should return true for *RPCError")
	}
}

func TestHTTPStatusError(t *testing.T) {
	tests := []struct {
		name       string
		err        HTTPStatusError
		wantString string
		wantRetry  bool
	}{
		{
			name:       "429 Too Many Requests",
			err:        HTTPStatusError{StatusCode: 429, Body: "rate limited"},
			wantString: "HTTP 429: Too Many Requests (body: rate limited)",
			wantRetry:  true,
		},
		{
			name:       "503 Service Unavailable",
			err:        HTTPStatusError{StatusCode: 503},
			wantString: "HTTP 503: Service Unavailable",
			wantRetry:  true,
		},
		{
			name:       "400 Bad Request not retryable",
			err:        HTTPStatusError{StatusCode: 400, Body: "invalid request"},
			wantString: "HTTP 400: Bad Request (body: invalid request)",
			wantRetry:  false,
		},
		{
			name:       "500 Internal Server Error not retryable",
			err:        HTTPStatusError{StatusCode: 500},
			wantString: "HTTP 500: Internal Server Error",
			wantRetry:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantString {
				t.Errorf("HTTPStatusError.Error() = %q, want %q", got, tt.wantString)
			}
			if got := tt.err.IsRetryable(); got != tt.wantRetry {
				t.Errorf("HTTPStatusError.IsRetryable() = %v, want %v", got, tt.wantRetry)
			}
		})
	}
}

func TestGetRetryDelay(t *testing.T) {
	defaultBackoff := 100 * time.Millisecond

	tests := []struct {
		name      string
		err       error
		wantDelay time.Duration
	}{
		{
			name:      "HTTP error with Retry-After",
			err:       &HTTPStatusError{StatusCode: 429, RetryAfter: 2 * time.Second},
			wantDelay: 2 * time.Second,
		},
		{
			name:      "HTTP error without Retry-After",
			err:       &HTTPStatusError{StatusCode: 503},
			wantDelay: defaultBackoff,
		},
		{
			name:      "RPC error uses default",
			err:       &RPCError{Code: -32000, Message: "test"},
			wantDelay: defaultBackoff,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getRetryDelay(tt.err, defaultBackoff); got != tt.wantDelay {
				t.Errorf("getRetryDelay() = %v, want %v", got, tt.wantDelay)
			}
		})
	}
}

// rpcHandler answers JSON-RPC requests using fn, keyed by method.
type rpcHandler func(method string, params []json.RawMessage) (interface{}, *JSONRPCError)

func (h rpcHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     uint64            `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, rpcErr := h(req.Method, req.Params)
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func testConfig(url string) ClientConfig {
	cfg := DefaultClientConfig(url)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return cfg
}

type observedCall struct {
	method string
	err    error
}

type callRecorder struct {
	mu    sync.Mutex
	calls []observedCall
}

func (r *callRecorder) ObserveCall(method string, err error, took time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, observedCall{method: method, err: err})
}

func TestHTTPClient_Call(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(func(method string, params []json.RawMessage) (interface{}, *JSONRPCError) {
		switch method {
		case "eth_chainId":
			return "0xa455", nil
		case "eth_sendRawTransaction":
			return nil, &JSONRPCError{Code: -32000, Message: "nonce too low"}
		}
		return nil, &JSONRPCError{Code: -32601, Message: "method not found"}
	}))
	defer srv.Close()

	rec := &callRecorder{}
	cfg := testConfig(srv.URL)
	cfg.Observer = rec
	client := NewHTTPClient(cfg)
	defer client.Close()

	result, err := client.Call(context.Background(), "eth_chainId", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"0xa455"`, string(result))

	_, err = client.Call(context.Background(), "eth_sendRawTransaction", []interface{}{"0x00"})
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32000, rpcErr.Code)
	assert.Equal(t, "nonce too low", rpcErr.Message)

	require.Len(t, rec.calls, 2)
	assert.Equal(t, "eth_chainId", rec.calls[0].method)
	assert.NoError(t, rec.calls[0].err)
	assert.Error(t, rec.calls[1].err)
}

func TestHTTPClient_RetriesRetryableStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.Header().Set("Retry-After", "0.001")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		rpcHandler(func(string, []json.RawMessage) (interface{}, *JSONRPCError) {
			return "0x5", nil
		}).ServeHTTP(w, r)
	}))
	defer srv.Close()

	client := NewHTTPClient(testConfig(srv.URL))
	result, err := client.Call(context.Background(), "eth_getTransactionCount", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"0x5"`, string(result))
	assert.Equal(t, int32(3), hits.Load())
}

func TestHTTPClient_DoesNotRetryNodeErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		rpcHandler(func(string, []json.RawMessage) (interface{}, *JSONRPCError) {
			return nil, &JSONRPCError{Code: -32000, Message: "already known"}
		}).ServeHTTP(w, r)
	}))
	defer srv.Close()

	client := NewHTTPClient(testConfig(srv.URL))
	_, err := client.Call(context.Background(), "eth_sendRawTransaction", []interface{}{"0x00"})
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPClient_NonRetryableStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewHTTPClient(testConfig(srv.URL))
	_, err := client.Call(context.Background(), "eth_chainId", nil)

	var httpErr *HTTPStatusError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPClient_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = time.Second
	client := NewHTTPClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Call(ctx, "eth_chainId", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDial(t *testing.T) {
	c, err := Dial(context.Background(), DefaultClientConfig("http://localhost:8545"))
	require.NoError(t, err)
	assert.IsType(t, &HTTPClient{}, c)

	_, err = Dial(context.Background(), DefaultClientConfig("ftp://localhost"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unsupported"))
}

func TestDefaultClientConfig(t *testing.T) {
	url := "http://localhost:8545"
	cfg := DefaultClientConfig(url)

	assert.Equal(t, url, cfg.URL)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 2*time.Second, cfg.MaxBackoff)
}
