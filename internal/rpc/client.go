package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	maestroerrors "maestro/internal/errors"
	"maestro/internal/logging"
	"maestro/internal/protocol"
)

const (
	// TaskPath is the JSON-RPC endpoint suffix agents expose for task calls.
	TaskPath = "/a2a"
	// CardPath serves the agent card as plain JSON over GET.
	CardPath = "/a2a/agent-card"

	// DefaultMaxInFlight caps concurrent requests per endpoint.
	DefaultMaxInFlight = 20
	// DefaultResponseLimit bounds how many bytes of a response body are read.
	DefaultResponseLimit = 8 << 20
)

// ResponseTooLargeError reports that a response body exceeded the read limit.
type ResponseTooLargeError struct {
	Limit int64
}

func (e ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeded limit of %d bytes", e.Limit)
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithBreakerConfig overrides the per-endpoint circuit breaker thresholds.
func WithBreakerConfig(cfg maestroerrors.CircuitBreakerConfig) Option {
	return func(c *Client) { c.breakerCfg = &cfg }
}

// WithResponseLimit bounds response body reads. Zero disables the limit.
func WithResponseLimit(limit int64) Option {
	return func(c *Client) { c.limit = limit }
}

// WithMaxInFlight caps concurrent requests per endpoint.
func WithMaxInFlight(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxInFlight = n
		}
	}
}

// WithHeader adds a static header to every outgoing request.
func WithHeader(name, value string) Option {
	return func(c *Client) {
		if c.headers == nil {
			c.headers = make(http.Header)
		}
		c.headers.Add(name, value)
	}
}

// Client speaks JSON-RPC 2.0 to agent endpoints over a shared connection
// pool. Every endpoint gets its own circuit breaker and in-flight cap; the
// sockets underneath are shared. A Client is safe for concurrent use.
type Client struct {
	http        *http.Client
	logger      logging.Logger
	headers     http.Header
	breakers    *maestroerrors.CircuitBreakerManager
	breakerCfg  *maestroerrors.CircuitBreakerConfig
	limit       int64
	maxInFlight int64
	id          uint64

	mu    sync.Mutex
	slots map[string]*semaphore.Weighted
}

// NewClient builds a Client over the pooled transport.
func NewClient(opts ...Option) *Client {
	c := &Client{
		logger:      logging.Nop(),
		limit:       DefaultResponseLimit,
		maxInFlight: DefaultMaxInFlight,
		slots:       make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.http == nil {
		c.http = NewHTTPClient(DefaultRequestTimeout)
	}
	cfg := maestroerrors.DefaultCircuitBreakerConfig()
	if c.breakerCfg != nil {
		cfg = *c.breakerCfg
	}
	c.breakers = maestroerrors.NewCircuitBreakerManager(cfg, logging.WithComponent(c.logger, "breaker"))
	return c
}

func (c *Client) nextID() uint64 {
	return atomic.AddUint64(&c.id, 1)
}

func (c *Client) slot(endpoint string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.slots[endpoint]
	if !ok {
		sem = semaphore.NewWeighted(c.maxInFlight)
		c.slots[endpoint] = sem
	}
	return sem
}

// Breakers exposes the per-endpoint circuit breaker manager, mainly so the
// registry and diagnostics endpoints can report breaker state.
func (c *Client) Breakers() *maestroerrors.CircuitBreakerManager {
	return c.breakers
}

// ProcessTask sends a task request to the agent at endpoint and decodes the
// task response.
func (c *Client) ProcessTask(ctx context.Context, endpoint string, req *protocol.TaskRequest) (*protocol.TaskResponse, error) {
	var resp protocol.TaskResponse
	if err := c.Call(ctx, endpoint, protocol.MethodProcessTask, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchAgentCard retrieves the agent card over GET. Card fetches go through
// the same breaker as task traffic so a dead endpoint trips once, not twice.
func (c *Client) FetchAgentCard(ctx context.Context, endpoint string) (*protocol.AgentCard, error) {
	sem := c.slot(endpoint)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)

	breaker := c.breakers.Get(endpoint)
	if err := breaker.Allow(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(endpoint, CardPath), nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)

	body, err := c.do(httpReq, breaker)
	if err != nil {
		return nil, err
	}
	var card protocol.AgentCard
	if err := json.Unmarshal(body, &card); err != nil {
		return nil, fmt.Errorf("decode agent card from %s: %w", endpoint, err)
	}
	if card.Endpoint == "" {
		card.Endpoint = endpoint
	}
	return &card, nil
}

// Call performs a JSON-RPC request against endpoint and unmarshals the result
// into result when it is non-nil. Transport failures and 5xx/429 statuses
// count against the endpoint's breaker; JSON-RPC application errors do not.
func (c *Client) Call(ctx context.Context, endpoint, method string, params, result any) error {
	sem := c.slot(endpoint)
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)

	breaker := c.breakers.Get(endpoint)
	if err := breaker.Allow(); err != nil {
		return err
	}

	rpcReq, err := protocol.NewRequest(c.nextID(), method, params)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(rpcReq)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(endpoint, TaskPath), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq)

	body, err := c.do(httpReq, breaker)
	if err != nil {
		return err
	}

	var rpcResp protocol.Response
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("decode response from %s: %w", endpoint, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decode result from %s: %w", endpoint, err)
		}
	}
	return nil
}

// do executes the request, marks the breaker from the outcome, and returns
// the response body. The returned error already carries its error kind.
func (c *Client) do(httpReq *http.Request, breaker *maestroerrors.CircuitBreaker) ([]byte, error) {
	resp, err := c.http.Do(httpReq)
	if err != nil {
		terr := maestroerrors.NewTransientError(err, fmt.Sprintf("agent %s unreachable", httpReq.URL.Host))
		breaker.Mark(terr)
		return nil, terr
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := maestroerrors.FromHTTPStatus(resp.StatusCode, fmt.Errorf("agent returned http status %d", resp.StatusCode))
		var terr *maestroerrors.TransientError
		if errors.As(err, &terr) {
			terr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		breaker.Mark(err)
		return nil, err
	}

	body, err := readAll(resp.Body, c.limit)
	if err != nil {
		breaker.Mark(err)
		return nil, err
	}
	breaker.Mark(nil)
	return body, nil
}

func (c *Client) setHeaders(req *http.Request) {
	for name, values := range c.headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
}

// readAll reads r up to limit bytes. A limit of zero or less reads everything.
func readAll(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	lr := &io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, maestroerrors.NewTransientError(err, "response read failed")
	}
	if int64(len(data)) > limit {
		return nil, ResponseTooLargeError{Limit: limit}
	}
	return data, nil
}

func joinURL(endpoint, path string) string {
	return strings.TrimRight(endpoint, "/") + path
}

// parseRetryAfter reads the integer-seconds form of a Retry-After header.
// HTTP-date values and garbage yield zero.
func parseRetryAfter(value string) int {
	secs, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || secs < 0 {
		return 0
	}
	return secs
}
