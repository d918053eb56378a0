package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/agentrt/internal/observability"
	"github.com/harun/agentrt/internal/tracing"
	"github.com/harun/agentrt/pkg/scheduler"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Warmer is implemented by clients that can prepare per-key SDK state
// without a network round trip
type Warmer interface {
	Warm(cfg Config, apiKey string) error
}

// DispatcherConfig holds dispatcher configuration
type DispatcherConfig struct {
	Clients []Client
	Retry   RetryPolicy
	Logger  zerolog.Logger

	// Sleep waits between retries; defaults to a context-aware timer
	Sleep func(ctx context.Context, d time.Duration) error
	// LimiterOptions are applied to every per-provider RateLimiter
	LimiterOptions []RateLimiterOption
}

// Dispatcher routes model calls to provider clients with credential
// rotation, rate limiting and retries
type Dispatcher struct {
	mu       sync.RWMutex
	clients  map[string]Client
	limiters map[string]*RateLimiter

	rotator     *Rotator
	retry       RetryPolicy
	sleep       func(ctx context.Context, d time.Duration) error
	limiterOpts []RateLimiterOption
	logger      zerolog.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		clients:     make(map[string]Client),
		limiters:    make(map[string]*RateLimiter),
		rotator:     NewRotator(),
		retry:       cfg.Retry,
		sleep:       cfg.Sleep,
		limiterOpts: cfg.LimiterOptions,
		logger:      cfg.Logger,
	}
	if d.sleep == nil {
		d.sleep = sleepContext
	}
	for _, c := range cfg.Clients {
		d.Register(c)
	}
	return d
}

// NewDefaultDispatcher registers the Anthropic, OpenAI and Gemini clients
func NewDefaultDispatcher(logger zerolog.Logger) *Dispatcher {
	return NewDispatcher(DispatcherConfig{
		Clients: []Client{NewAnthropicClient(), NewOpenAIClient(), NewGeminiClient()},
		Retry:   DefaultRetryPolicy(),
		Logger:  logger,
	})
}

// Register adds or replaces the client for its provider
func (d *Dispatcher) Register(c Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients[NormalizeName(c.Name())] = c
}

func (d *Dispatcher) client(provider string) (Client, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.clients[provider]
	return c, ok
}

// Limiter returns the shared rate limiter for cfg's provider, creating it or
// updating its limits
func (d *Dispatcher) Limiter(cfg Config) *RateLimiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[cfg.Provider]
	if !ok {
		l = NewRateLimiter(cfg.Provider, cfg.Limits, d.limiterOpts...)
		d.limiters[cfg.Provider] = l
		return l
	}
	if l.Limits() != cfg.Limits {
		l.SetLimits(cfg.Limits)
	}
	return l
}

// Warm validates cfg and prepares client state for every credential
func (d *Dispatcher) Warm(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c, ok := d.client(cfg.Provider)
	if !ok {
		return fmt.Errorf("no client registered for provider %s", cfg.Provider)
	}
	d.Limiter(cfg)
	w, ok := c.(Warmer)
	if !ok {
		return nil
	}
	for i, key := range cfg.Credentials {
		if err := w.Warm(cfg, key); err != nil {
			return fmt.Errorf("warm %s key %d: %w", cfg.Provider, i, err)
		}
	}
	return nil
}

// Call performs a blocking completion
func (d *Dispatcher) Call(ctx context.Context, cfg Config, req Request) (*Response, error) {
	return d.do(ctx, cfg, req, nil)
}

// Stream performs a streaming completion. Content deltas pass through a
// ReasoningParser; native reasoning deltas are forwarded as they arrive. The
// last delta has Done set and reports how the parser finished. The returned
// Response holds the raw accumulated content.
func (d *Dispatcher) Stream(ctx context.Context, cfg Config, req Request, onDelta func(Delta) error) (*Response, error) {
	if onDelta == nil {
		return d.Call(ctx, cfg, req)
	}
	return d.do(ctx, cfg, req, onDelta)
}

func (d *Dispatcher) do(ctx context.Context, cfg Config, req Request, onDelta func(Delta) error) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "agentrt.provider", "provider.call",
		attribute.String("provider", cfg.Provider),
		attribute.String("model", cfg.Params.Model),
		attribute.Bool("stream", onDelta != nil),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, d.logger).With().Str("provider", cfg.Provider).Logger()

	client, ok := d.client(cfg.Provider)
	if !ok {
		err := &ProviderError{Kind: KindUpstream, Provider: cfg.Provider, Message: "no client registered"}
		return nil, failSpan(span, err)
	}
	creds := cfg.Credentials
	if len(creds) == 0 {
		err := &ProviderError{Kind: KindCredentialsExhausted, Provider: cfg.Provider, Message: "no credentials configured"}
		return nil, failSpan(span, err)
	}

	limiter := d.Limiter(cfg)
	start := d.rotator.Next(cfg.Provider, len(creds))

	var lastErr error
	for i := range creds {
		idx := (start + i) % len(creds)
		if i > 0 {
			observability.RecordProviderRotation(cfg.Provider)
		}

		resp, delivered, err := d.attempt(ctx, client, cfg, creds[idx], req, limiter, onDelta)
		if err == nil {
			span.SetAttributes(attribute.Int("key_index", idx))
			span.SetStatus(codes.Ok, "")
			return resp, nil
		}
		if IsCredentialError(err) && !delivered {
			logger.Warn().Int("key_index", idx).Int("status", StatusCode(err)).Msg("Credential rejected, rotating")
			lastErr = err
			continue
		}
		return nil, failSpan(span, err)
	}

	err := &ProviderError{
		Kind:     KindCredentialsExhausted,
		Provider: cfg.Provider,
		Status:   StatusCode(lastErr),
		Message:  fmt.Sprintf("all %d credentials rejected", len(creds)),
		Err:      lastErr,
	}
	logger.Error().Err(err).Msg("Credentials exhausted")
	return nil, failSpan(span, err)
}

// attempt calls one credential, retrying transient failures per the policy.
// Rate limit waits and retry backoff give up the lane like the call itself.
// delivered reports whether any stream delta reached the caller, after which
// nothing is retried.
func (d *Dispatcher) attempt(ctx context.Context, client Client, cfg Config, key string, req Request, limiter *RateLimiter, onDelta func(Delta) error) (*Response, bool, error) {
	logger := tracing.LoggerFromContext(ctx, d.logger)
	est := EstimateTokens(req)

	for n := 0; ; n++ {
		waited, err := scheduler.SuspendValue(ctx, func(ctx context.Context) (time.Duration, error) {
			return limiter.Acquire(ctx, est)
		})
		if waited > 0 {
			observability.RecordRateLimitWait(cfg.Provider, waited)
		}
		if err != nil {
			if errors.Is(err, ErrRateLimited) {
				observability.RecordRateLimitRejection(cfg.Provider)
			}
			return nil, false, err
		}

		started := time.Now()
		resp, delivered, err := d.invoke(ctx, client, cfg, key, req, onDelta)
		observability.RecordProviderCall(cfg.Provider, time.Since(started), err == nil)
		if err == nil {
			limiter.RecordUsage(resp.Usage.Total() - est)
			return resp, delivered, nil
		}

		if delivered || !IsRetryableError(err) || n+1 >= d.retry.attempts() {
			return nil, delivered, err
		}
		delay := d.retry.Delay(n)
		logger.Warn().
			Err(err).
			Str("provider", cfg.Provider).
			Int("attempt", n+1).
			Dur("delay", delay).
			Msg("Retrying provider call")
		serr := scheduler.Suspend(ctx, func(ctx context.Context) error {
			return d.sleep(ctx, delay)
		})
		if serr != nil {
			return nil, false, serr
		}
	}
}

func (d *Dispatcher) invoke(ctx context.Context, client Client, cfg Config, key string, req Request, onDelta func(Delta) error) (*Response, bool, error) {
	var (
		resp      *Response
		delivered bool
	)
	err := scheduler.Suspend(ctx, func(ctx context.Context) error {
		var cerr error
		if onDelta == nil {
			resp, cerr = client.Generate(ctx, cfg, key, req)
		} else {
			resp, delivered, cerr = streamThrough(ctx, client, cfg, key, req, onDelta)
		}
		if cerr != nil && ctx.Err() == nil {
			cerr = upstreamError(cfg.Provider, cerr)
		}
		return cerr
	})
	if err != nil {
		return nil, delivered, err
	}

	if resp == nil {
		return nil, delivered, malformed(cfg.Provider, "nil response")
	}
	if resp.Content == "" && resp.Reasoning == "" && len(resp.ToolCalls) == 0 {
		return nil, delivered, malformed(cfg.Provider, "empty response")
	}
	for _, tc := range resp.ToolCalls {
		if tc.Name == "" {
			return nil, delivered, malformed(cfg.Provider, "tool call without name")
		}
	}
	resp.Provider = cfg.Provider
	if resp.Model == "" {
		resp.Model = cfg.Params.Model
	}
	return resp, delivered, nil
}

func streamThrough(ctx context.Context, client Client, cfg Config, key string, req Request, onDelta func(Delta) error) (*Response, bool, error) {
	parser := NewReasoningParser()
	delivered := false
	send := func(d Delta) error {
		if d.Content == "" && d.Reasoning == "" {
			return nil
		}
		delivered = true
		return onDelta(d)
	}

	resp, err := client.Stream(ctx, cfg, key, req, func(c Chunk) error {
		if c.Reasoning != "" {
			if err := send(Delta{Reasoning: c.Reasoning}); err != nil {
				return err
			}
		}
		if c.Content != "" {
			seg := parser.Feed(c.Content)
			return send(Delta{Content: seg.Content, Reasoning: seg.Reasoning})
		}
		return nil
	})
	if err != nil {
		return nil, delivered, err
	}

	seg, perr := parser.Finish()
	if !seg.Empty() {
		delivered = true
	}
	final := Delta{Content: seg.Content, Reasoning: seg.Reasoning, Done: true, State: parser.State(), Err: perr}
	if err := onDelta(final); err != nil {
		return nil, delivered, err
	}
	return resp, delivered, nil
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
