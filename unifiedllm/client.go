package unifiedllm

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
)

// Middleware wraps a blocking provider call.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// StreamMiddleware wraps a streaming provider call.
type StreamMiddleware func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error)

// ChunkMiddleware wraps a chunk-streaming provider call. The agent loop
// reaches providers only through this path.
type ChunkMiddleware func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan ChunkResult, error)) (<-chan ChunkResult, error)

// Client routes requests to registered provider adapters by name and runs
// them through the configured middleware. It is safe for concurrent use;
// sessions and subagents share one Client.
type Client struct {
	mu              sync.RWMutex
	providers       map[string]ProviderAdapter
	defaultProvider string

	middleware []Middleware
	streamMW   []StreamMiddleware
	chunkMW    []ChunkMiddleware
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) { c.providers[name] = adapter }
}

// WithDefaultProvider names the provider used when a request names none.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) { c.defaultProvider = name }
}

// WithMiddleware appends middleware; the first registered runs outermost.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) { c.middleware = append(c.middleware, mw...) }
}

func WithStreamMiddleware(mw ...StreamMiddleware) ClientOption {
	return func(c *Client) { c.streamMW = append(c.streamMW, mw...) }
}

func WithChunkMiddleware(mw ...ChunkMiddleware) ClientOption {
	return func(c *Client) { c.chunkMW = append(c.chunkMW, mw...) }
}

// NewClient creates a Client. With a single provider and no explicit
// default, that provider becomes the default.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{providers: make(map[string]ProviderAdapter)}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// RegisterProvider adds or replaces an adapter. The first registered
// provider becomes the default when none is set.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// Providers returns the registered provider names in sorted order.
func (c *Client) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// route picks the adapter for req: the named provider, else the default,
// else the catalog owner of req.Model. The returned request has Provider
// filled in.
func (c *Client) route(req Request) (ProviderAdapter, Request, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, req, &ConfigurationError{SDKError: SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}
	adapter, ok := c.providers[name]
	if !ok {
		return nil, req, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	return adapter, req, nil
}

// chain wraps h so that mws[0] runs first.
func chain[T any, M ~func(context.Context, Request, func(context.Context, Request) (T, error)) (T, error)](mws []M, h func(context.Context, Request) (T, error)) func(context.Context, Request) (T, error) {
	for _, mw := range slices.Backward(mws) {
		next := h
		h = func(ctx context.Context, r Request) (T, error) { return mw(ctx, r, next) }
	}
	return h
}

// Complete sends a blocking request.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, req, err := c.route(req)
	if err != nil {
		return nil, err
	}
	return chain(c.middleware, adapter.Complete)(ctx, req)
}

// Stream sends a request and returns its high-level stream events.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	adapter, req, err := c.route(req)
	if err != nil {
		return nil, err
	}
	return chain(c.streamMW, adapter.Stream)(ctx, req)
}

// StreamChunks sends a request and returns its raw delta chunks. Adapters
// that do not implement ChunkStreamer are bridged through Complete: the full
// response becomes a single chunk.
func (c *Client) StreamChunks(ctx context.Context, req Request) (<-chan ChunkResult, error) {
	adapter, req, err := c.route(req)
	if err != nil {
		return nil, err
	}
	open := func(ctx context.Context, r Request) (<-chan ChunkResult, error) {
		if streamer, ok := adapter.(ChunkStreamer); ok {
			return streamer.StreamChunks(ctx, r)
		}
		resp, err := adapter.Complete(ctx, r)
		if err != nil {
			return nil, err
		}
		ch := make(chan ChunkResult, 1)
		if resp != nil {
			ch <- ChunkResult{Chunk: ChunkFromResponse(resp)}
		}
		close(ch)
		return ch, nil
	}
	return chain(c.chunkMW, open)(ctx, req)
}

// RetryChunks retries chunk streams that fail before their first chunk,
// using policy's backoff and retryability rules. Once a chunk has been
// delivered, errors pass through unchanged. It is opt-in; the agent loop
// leaves transport retries to its correction layer.
func RetryChunks(policy RetryPolicy) ChunkMiddleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan ChunkResult, error)) (<-chan ChunkResult, error) {
		type opened struct {
			ch    <-chan ChunkResult
			first ChunkResult
			ok    bool
		}
		attempt := func(ctx context.Context) (opened, error) {
			ch, err := next(ctx, req)
			if err != nil {
				return opened{}, err
			}
			select {
			case first, ok := <-ch:
				if ok && first.Err != nil {
					return opened{}, first.Err
				}
				return opened{ch: ch, first: first, ok: ok}, nil
			case <-ctx.Done():
				return opened{}, ctx.Err()
			}
		}
		o, err := Retry(ctx, policy, attempt)
		if err != nil {
			return nil, err
		}

		out := make(chan ChunkResult, 1)
		go func() {
			defer close(out)
			if !o.ok {
				return
			}
			out <- o.first
			for cr := range o.ch {
				select {
				case out <- cr:
				case <-ctx.Done():
					for range o.ch {
					}
					return
				}
			}
		}()
		return out, nil
	}
}

// Close releases resources held by the registered providers and returns the
// first error.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, adapter := range c.providers {
		closer, ok := adapter.(Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	defaultClientMu sync.Mutex
	defaultClient   *Client
)

// SetDefaultClient replaces the process-wide client used when callers pass
// none.
func SetDefaultClient(c *Client) {
	defaultClientMu.Lock()
	defer defaultClientMu.Unlock()
	defaultClient = c
}

// GetDefaultClient returns the process-wide client, building it from the
// environment on first use.
func GetDefaultClient() *Client {
	defaultClientMu.Lock()
	defer defaultClientMu.Unlock()
	if defaultClient == nil {
		defaultClient = NewClientFromEnv()
	}
	return defaultClient
}

// NewClientFromEnv registers every provider whose credentials are present in
// the environment. OpenAI-compatible endpoints use the native chunk-streaming
// adapter; other providers go through gollm. No retry middleware is
// installed: callers decide whether a failed call is retried.
func NewClientFromEnv() *Client {
	c := NewClient()

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.RegisterProvider("openai", NewOpenAIAdapter(key, os.Getenv("OPENAI_BASE_URL")))
	}
	for _, provider := range []string{"anthropic", "gemini", "ollama"} {
		if adapter, err := NewGollmAdapter(provider, ""); err == nil {
			c.RegisterProvider(provider, adapter)
		}
	}
	return c
}
