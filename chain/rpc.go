package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is an error object returned by the node. Receiving one means the
// request was processed and refused.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// rpcClient is a throttled Solana JSON-RPC client. The limiter keeps us
// inside the provider's request quota.
type rpcClient struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
	seq        atomic.Uint64
}

func newRPCClient(url string, httpClient *http.Client, rps float64, logger zerolog.Logger) *rpcClient {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &rpcClient{
		url:        url,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

// call posts one JSON-RPC request and decodes result into out. Transport
// failures come back as plain errors; node-side refusals as *RPCError.
func (c *rpcClient) call(ctx context.Context, method string, params []any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rpc %s: rate limiter: %w", method, err)
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.seq.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("rpc %s: failed to encode request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpc %s: failed to create request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: request failed: %w", method, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.logger.Error().
			Str("method", method).
			Int("status_code", resp.StatusCode).
			Str("response_body", string(msg)).
			Msg("❌ Solana RPC request failed")
		return fmt.Errorf("rpc %s: unexpected status %d", method, resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("rpc %s: failed to decode response: %w", method, err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if out == nil || len(decoded.Result) == 0 || string(decoded.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("rpc %s: failed to decode result: %w", method, err)
	}
	return nil
}
