package bridge

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dvcrn/lightspeed-proxy/internal/backend"
	"github.com/dvcrn/lightspeed-proxy/internal/metrics"
	"github.com/dvcrn/lightspeed-proxy/internal/proxyerr"
	"github.com/dvcrn/lightspeed-proxy/internal/registry"
)

// BackendClient is the slice of the backend API the orchestrator needs.
// *backend.Client satisfies it; tests substitute fakes.
type BackendClient interface {
	CreateContext(ctx context.Context, cfg backend.ContextConfig) (string, error)
	SendMessage(ctx context.Context, contextID string, msg backend.Message) (*backend.Result, error)
	StreamMessage(ctx context.Context, contextID string, msg backend.Message) (backend.MessageStream, error)
	DeleteContext(ctx context.Context, contextID string) error
}

// Config carries the per-deployment knobs the orchestrator applies to
// every request.
type Config struct {
	// Model is the single model name advertised to clients.
	Model string
	// Context is the configuration sent on every backend context create.
	Context backend.ContextConfig
	// RequestTimeout bounds non-streaming requests and stream setup.
	RequestTimeout time.Duration
}

// Orchestrator binds one OpenAI chat request to one backend exchange:
// derive the conversation key, resolve (or create) the backend context,
// forward the message, and translate the result back. A context that
// turns out to be expired on the backend is invalidated and the request
// retried exactly once against a fresh context.
type Orchestrator struct {
	client   BackendClient
	registry *registry.Registry
	metrics  *metrics.Collector
	logger   zerolog.Logger
	tracer   trace.Tracer
	cfg      Config
}

func NewOrchestrator(client BackendClient, reg *registry.Registry, col *metrics.Collector, logger zerolog.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		client:   client,
		registry: reg,
		metrics:  col,
		logger:   logger,
		tracer:   otel.Tracer("lightspeed-proxy/bridge"),
		cfg:      cfg,
	}
}

// creator is handed to the registry; it runs at most once per key per
// resolution thanks to the registry's per-key serialization.
func (o *Orchestrator) creator() registry.Creator {
	return func(ctx context.Context) (string, error) {
		id, err := o.client.CreateContext(ctx, o.cfg.Context)
		if err != nil {
			return "", err
		}
		o.metrics.ObserveContextCreate()
		o.metrics.SetActiveContexts(o.registry.Len())
		return id, nil
	}
}

// Complete handles a non-streaming chat completion.
func (o *Orchestrator) Complete(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "chat.complete")
	defer span.End()

	if o.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RequestTimeout)
		defer cancel()
	}

	resp, err := o.complete(ctx, req)
	o.metrics.ObserveRequest("complete", outcome(err), time.Since(start))
	return resp, err
}

func (o *Orchestrator) complete(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	msg, err := ToBackendMessage(req)
	if err != nil {
		return nil, err
	}
	key := registry.DeriveKey(req)

	var res *backend.Result
	err = o.withContext(ctx, key, func(ctx context.Context, contextID string) error {
		var serr error
		res, serr = o.client.SendMessage(ctx, contextID, msg)
		return serr
	})
	if err != nil {
		return nil, err
	}

	resp, err := FromBackendResult(res, o.cfg.Model)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// withContext resolves the backend context for key and runs fn against
// it, retrying once on ContextExpired. The registry ref is held for the
// whole call so the sweeper cannot evict the context underneath fn.
func (o *Orchestrator) withContext(ctx context.Context, key registry.Key, fn func(ctx context.Context, contextID string) error) error {
	for attempt := 0; ; attempt++ {
		bctx, release, err := o.registry.Resolve(ctx, key, o.creator())
		if err != nil {
			return err
		}

		err = fn(ctx, bctx.ID)
		if err == nil {
			o.registry.Touch(bctx.ID)
			release()
			return nil
		}
		release()

		if proxyerr.IsKind(err, proxyerr.ContextExpired) && attempt == 0 {
			o.logger.Warn().
				Str("context_id", bctx.ID).
				Str("key", string(key)).
				Msg("backend context expired, retrying with a fresh context")
			o.registry.Invalidate(bctx.ID)
			continue
		}
		return err
	}
}

// StreamHandle is a streaming exchange that has been set up but not yet
// pumped. Setup errors surface from StartStream and can still be mapped
// to an HTTP status; once Run starts writing, failures are reported
// in-band on the stream.
type StreamHandle struct {
	orch      *Orchestrator
	stream    backend.MessageStream
	contextID string
	release   func()
	start     time.Time
	span      trace.Span
	closeOnce sync.Once
}

// StartStream resolves the conversation's backend context and opens the
// message stream. The returned handle must be Run (or Closed) by the
// caller; the registry ref is held until then.
func (o *Orchestrator) StartStream(ctx context.Context, req openai.ChatCompletionRequest) (*StreamHandle, error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "chat.stream")

	msg, err := ToBackendMessage(req)
	if err != nil {
		span.End()
		o.metrics.ObserveRequest("stream", outcome(err), time.Since(start))
		return nil, err
	}
	key := registry.DeriveKey(req)

	// The setup timeout covers context creation only. The stream itself
	// lives on the caller's context; a request deadline here would cut
	// long completions off mid-body.
	resolveCtx := ctx
	if o.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		resolveCtx, cancel = context.WithTimeout(ctx, o.cfg.RequestTimeout)
		defer cancel()
	}

	for attempt := 0; ; attempt++ {
		bctx, release, err := o.registry.Resolve(resolveCtx, key, o.creator())
		if err != nil {
			span.End()
			o.metrics.ObserveRequest("stream", outcome(err), time.Since(start))
			return nil, err
		}

		stream, err := o.client.StreamMessage(ctx, bctx.ID, msg)
		if err != nil {
			release()
			if proxyerr.IsKind(err, proxyerr.ContextExpired) && attempt == 0 {
				o.logger.Warn().
					Str("context_id", bctx.ID).
					Str("key", string(key)).
					Msg("backend context expired, retrying with a fresh context")
				o.registry.Invalidate(bctx.ID)
				continue
			}
			span.End()
			o.metrics.ObserveRequest("stream", outcome(err), time.Since(start))
			return nil, err
		}

		span.SetAttributes(attribute.String("context.id", bctx.ID))
		return &StreamHandle{
			orch:      o,
			stream:    stream,
			contextID: bctx.ID,
			release:   release,
			start:     start,
			span:      span,
		}, nil
	}
}

// Run pumps the backend stream into w as OpenAI SSE frames. The returned
// error is for logging only; the client has already been signaled
// in-band. The context is touched only when the stream completed
// cleanly.
func (h *StreamHandle) Run(w io.Writer) error {
	defer h.close()

	bridge := newStreamBridge(w, h.orch.cfg.Model, h.orch.metrics.ObserveStreamChunk)
	err := bridge.run(h.stream)
	if err == nil {
		h.orch.registry.Touch(h.contextID)
	}
	h.orch.metrics.ObserveRequest("stream", outcome(err), time.Since(h.start))
	return err
}

// Close releases the handle without pumping it, for callers that bail
// out between StartStream and Run.
func (h *StreamHandle) Close() error {
	h.close()
	return nil
}

func (h *StreamHandle) close() {
	h.closeOnce.Do(func() {
		h.stream.Close()
		h.release()
		h.span.End()
	})
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return proxyerr.As(err).Kind.String()
}
