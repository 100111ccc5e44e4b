package capability

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SSEProvider dials MCP-style capability servers: an SSE stream announces a
// JSON-RPC endpoint, requests go over HTTP POST, and responses come back on
// the stream. Endpoints are configured per capability name.
type SSEProvider struct {
	endpoints map[string]string // capability -> SSE URL
	rpcWait   time.Duration
	logger    *zap.Logger
}

// NewSSEProvider creates a provider for the given capability endpoints.
func NewSSEProvider(endpoints map[string]string, logger *zap.Logger) *SSEProvider {
	return &SSEProvider{
		endpoints: endpoints,
		rpcWait:   30 * time.Second,
		logger:    logger,
	}
}

func (p *SSEProvider) Name() string { return "sse" }

// Dial opens the SSE stream, discovers the JSON-RPC endpoint, and verifies
// the server answers a tools/list probe before handing the connection to
// the pool.
func (p *SSEProvider) Dial(ctx context.Context, capability string) (Conn, error) {
	url, ok := p.endpoints[capability]
	if !ok {
		return nil, fmt.Errorf("no endpoint configured for capability %s", capability)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sse connect %s: %w", capability, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("sse status %d for %s", resp.StatusCode, capability)
	}

	// A single buffered reader serves both the endpoint discovery and the
	// dispatch loop; a second reader on the body would lose buffered bytes.
	stream := bufio.NewReader(resp.Body)
	rpcPath, err := readEndpointEvent(stream)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("endpoint event for %s: %w", capability, err)
	}

	// The reader outlives Dial's context; Close cancels it.
	readerCtx, cancel := context.WithCancel(context.Background())
	c := &sseConn{
		capability: capability,
		rpcURL:     resolveURL(url, rpcPath),
		pending:    make(map[int64]chan json.RawMessage),
		cancel:     cancel,
		rpcWait:    p.rpcWait,
		logger:     p.logger,
	}
	go c.readStream(readerCtx, resp.Body, stream)

	if err := c.probe(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("probe %s: %w", capability, err)
	}

	p.logger.Debug("sse capability established",
		zap.String("capability", capability),
		zap.String("rpc", c.rpcURL))
	return c, nil
}

// sseConn is one live SSE/JSON-RPC connection.
type sseConn struct {
	capability string
	rpcURL     string
	nextID     atomic.Int64
	rpcWait    time.Duration

	mu      sync.Mutex
	pending map[int64]chan json.RawMessage
	closed  bool

	cancel context.CancelFunc
	logger *zap.Logger
}

// Close shuts the stream down and unblocks pending callers. Idempotent.
func (c *sseConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	c.cancel()
	return nil
}

// probe issues a tools/list call so a dead or misconfigured server fails
// the dial instead of surfacing later.
func (c *sseConn) probe(ctx context.Context) error {
	_, err := c.call(ctx, "tools/list", nil)
	return err
}

func (c *sseConn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan json.RawMessage, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	body, err := json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("send rpc: %w", err)
	}
	resp.Body.Close()

	select {
	case result, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed during %s", method)
		}
		return result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-time.After(c.rpcWait):
		c.forget(id)
		return nil, fmt.Errorf("rpc timeout for %s", method)
	}
}

func (c *sseConn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readStream dispatches JSON-RPC responses from the SSE stream to waiting
// callers.
func (c *sseConn) readStream(ctx context.Context, body io.Closer, r io.Reader) {
	defer body.Close()
	scanner := bufio.NewScanner(r)
	var eventType string
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if eventType == "message" {
				c.dispatch([]byte(strings.TrimPrefix(line, "data: ")))
			}
			eventType = ""
		}
	}
}

func (c *sseConn) dispatch(data []byte) {
	var envelope struct {
		ID     int64           `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Debug("ignoring non-jsonrpc event",
			zap.String("capability", c.capability))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[envelope.ID]
	if ok {
		delete(c.pending, envelope.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if len(envelope.Error) > 0 && string(envelope.Error) != "null" {
		ch <- envelope.Error
		return
	}
	ch <- envelope.Result
}

// readEndpointEvent reads SSE lines until the server announces its JSON-RPC
// endpoint.
func readEndpointEvent(r *bufio.Reader) (string, error) {
	var eventType string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("stream ended without endpoint event")
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
		} else if strings.HasPrefix(line, "data: ") && eventType == "endpoint" {
			return strings.TrimPrefix(line, "data: "), nil
		}
	}
}

// resolveURL turns a relative endpoint path into an absolute URL based on
// the SSE URL.
func resolveURL(base, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	idx := strings.LastIndex(base, "/")
	if idx > len("https://") {
		return base[:idx] + "/" + strings.TrimPrefix(path, "/")
	}
	return base + "/" + strings.TrimPrefix(path, "/")
}
