package bridge

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvcrn/lightspeed-proxy/internal/backend"
	"github.com/dvcrn/lightspeed-proxy/internal/metrics"
	"github.com/dvcrn/lightspeed-proxy/internal/proxyerr"
	"github.com/dvcrn/lightspeed-proxy/internal/registry"
)

type fakeBackend struct {
	mu      sync.Mutex
	creates int
	sends   int
	streams int
	deleted []string

	sendFn   func(contextID string, call int) (*backend.Result, error)
	streamFn func(contextID string, call int) (backend.MessageStream, error)
}

func (f *fakeBackend) CreateContext(ctx context.Context, cfg backend.ContextConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	return fmt.Sprintf("ctx_%d", f.creates), nil
}

func (f *fakeBackend) SendMessage(ctx context.Context, contextID string, msg backend.Message) (*backend.Result, error) {
	f.mu.Lock()
	f.sends++
	call := f.sends
	f.mu.Unlock()
	return f.sendFn(contextID, call)
}

func (f *fakeBackend) StreamMessage(ctx context.Context, contextID string, msg backend.Message) (backend.MessageStream, error) {
	f.mu.Lock()
	f.streams++
	call := f.streams
	f.mu.Unlock()
	return f.streamFn(contextID, call)
}

func (f *fakeBackend) DeleteContext(ctx context.Context, contextID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, contextID)
	return nil
}

func newTestOrchestrator(fb *fakeBackend) (*Orchestrator, *registry.Registry) {
	reg := registry.New(30*time.Minute, zerolog.Nop())
	col := metrics.NewCollector("test", nil)
	orch := NewOrchestrator(fb, reg, col, zerolog.Nop(), Config{
		Model:          "lightspeed",
		RequestTimeout: 5 * time.Second,
	})
	return orch, reg
}

func userRequest(question string) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: "lightspeed",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: question},
		},
	}
}

func TestCompleteReusesContextAcrossTurns(t *testing.T) {
	fb := &fakeBackend{
		sendFn: func(contextID string, call int) (*backend.Result, error) {
			return &backend.Result{Text: "answer " + contextID, Finish: backend.FinishStop}, nil
		},
	}
	orch, reg := newTestOrchestrator(fb)

	first, err := orch.Complete(context.Background(), userRequest("question one"))
	require.NoError(t, err)
	second, err := orch.Complete(context.Background(), userRequest("question one"))
	require.NoError(t, err)

	assert.Equal(t, 1, fb.creates, "same conversation key must reuse the context")
	assert.Equal(t, "answer ctx_1", first.Choices[0].Message.Content)
	assert.Equal(t, "answer ctx_1", second.Choices[0].Message.Content)
	assert.Equal(t, 1, reg.Len())
}

func TestCompleteRetriesOnceOnExpiredContext(t *testing.T) {
	fb := &fakeBackend{
		sendFn: func(contextID string, call int) (*backend.Result, error) {
			if call == 1 {
				return nil, proxyerr.New(proxyerr.ContextExpired, "context %s is gone", contextID)
			}
			return &backend.Result{Text: "fresh answer", Finish: backend.FinishStop}, nil
		},
	}
	orch, reg := newTestOrchestrator(fb)

	resp, err := orch.Complete(context.Background(), userRequest("q"))
	require.NoError(t, err)

	assert.Equal(t, "fresh answer", resp.Choices[0].Message.Content)
	assert.Equal(t, 2, fb.creates, "a fresh context after invalidation")
	assert.Equal(t, 2, fb.sends)
	assert.Equal(t, 1, reg.Len(), "only the fresh context remains")
}

func TestCompleteSurfacesSecondExpiry(t *testing.T) {
	fb := &fakeBackend{
		sendFn: func(contextID string, call int) (*backend.Result, error) {
			return nil, proxyerr.New(proxyerr.ContextExpired, "context %s is gone", contextID)
		},
	}
	orch, _ := newTestOrchestrator(fb)

	_, err := orch.Complete(context.Background(), userRequest("q"))
	assert.True(t, proxyerr.IsKind(err, proxyerr.ContextExpired), "expected ContextExpired, got %v", err)
	assert.Equal(t, 2, fb.sends, "exactly one retry, never more")
}

func TestCompleteDoesNotRetryOtherFailures(t *testing.T) {
	fb := &fakeBackend{
		sendFn: func(contextID string, call int) (*backend.Result, error) {
			return nil, proxyerr.New(proxyerr.BackendUnavailable, "connection refused")
		},
	}
	orch, _ := newTestOrchestrator(fb)

	_, err := orch.Complete(context.Background(), userRequest("q"))
	assert.True(t, proxyerr.IsKind(err, proxyerr.BackendUnavailable))
	assert.Equal(t, 1, fb.sends, "transport failures are not retried")
}

func TestCompleteRejectsInvalidRequestBeforeTouchingBackend(t *testing.T) {
	fb := &fakeBackend{}
	orch, _ := newTestOrchestrator(fb)

	_, err := orch.Complete(context.Background(), openai.ChatCompletionRequest{})
	assert.True(t, proxyerr.IsKind(err, proxyerr.InvalidRequest))
	assert.Equal(t, 0, fb.creates)
	assert.Equal(t, 0, fb.sends)
}

func TestStartStreamRetriesOnceOnExpiredContext(t *testing.T) {
	fb := &fakeBackend{
		streamFn: func(contextID string, call int) (backend.MessageStream, error) {
			if call == 1 {
				return nil, proxyerr.New(proxyerr.ContextExpired, "context %s is gone", contextID)
			}
			return &fakeStream{chunks: []backend.Chunk{
				{Type: backend.ChunkTypeDelta, Text: "hello"},
				{Type: backend.ChunkTypeCompleted, Finish: backend.FinishStop},
			}}, nil
		},
	}
	orch, _ := newTestOrchestrator(fb)

	handle, err := orch.StartStream(context.Background(), userRequest("q"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, handle.Run(&buf))

	assert.Equal(t, 2, fb.creates)
	assert.Equal(t, 2, fb.streams)
	assert.Contains(t, buf.String(), "hello")
	assert.Equal(t, 1, strings.Count(buf.String(), "data: [DONE]"))
}

func TestStartStreamSurfacesSetupFailure(t *testing.T) {
	fb := &fakeBackend{
		streamFn: func(contextID string, call int) (backend.MessageStream, error) {
			return nil, proxyerr.New(proxyerr.BackendUnavailable, "connection refused")
		},
	}
	orch, _ := newTestOrchestrator(fb)

	_, err := orch.StartStream(context.Background(), userRequest("q"))
	assert.True(t, proxyerr.IsKind(err, proxyerr.BackendUnavailable), "setup failures stay HTTP-mappable")
}

func TestStreamHandleClosesUnderlyingStream(t *testing.T) {
	stream := &fakeStream{chunks: []backend.Chunk{
		{Type: backend.ChunkTypeCompleted, Finish: backend.FinishStop},
	}}
	fb := &fakeBackend{
		streamFn: func(contextID string, call int) (backend.MessageStream, error) {
			return stream, nil
		},
	}
	orch, _ := newTestOrchestrator(fb)

	handle, err := orch.StartStream(context.Background(), userRequest("q"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, handle.Run(&buf))
	assert.True(t, stream.closed)

	// Closing after Run is a harmless no-op.
	require.NoError(t, handle.Close())
}
