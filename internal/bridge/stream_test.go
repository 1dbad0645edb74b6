package bridge

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvcrn/lightspeed-proxy/internal/backend"
)

type fakeStream struct {
	chunks []backend.Chunk
	err    error
	pos    int
	closed bool
}

func (f *fakeStream) Next() (backend.Chunk, error) {
	if f.pos < len(f.chunks) {
		c := f.chunks[f.pos]
		f.pos++
		return c, nil
	}
	if f.err != nil {
		return backend.Chunk{}, f.err
	}
	return backend.Chunk{}, io.EOF
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

// sseFrames splits the raw SSE output into data payloads, in order.
func sseFrames(t *testing.T, raw string) []string {
	t.Helper()
	var frames []string
	for _, block := range strings.Split(raw, "\n\n") {
		if block == "" {
			continue
		}
		require.True(t, strings.HasPrefix(block, "data: "), "unexpected frame %q", block)
		frames = append(frames, strings.TrimPrefix(block, "data: "))
	}
	return frames
}

func decodeChunk(t *testing.T, frame string) openai.ChatCompletionStreamResponse {
	t.Helper()
	var chunk openai.ChatCompletionStreamResponse
	require.NoError(t, json.Unmarshal([]byte(frame), &chunk))
	return chunk
}

func TestStreamBridgeHappyPath(t *testing.T) {
	stream := &fakeStream{chunks: []backend.Chunk{
		{Type: backend.ChunkTypeDelta, Text: "Use "},
		{Type: backend.ChunkTypeDelta, Text: "df -h."},
		{Type: backend.ChunkTypeCompleted, Finish: backend.FinishStop,
			Usage: &backend.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}},
	}}

	var buf bytes.Buffer
	chunkCount := 0
	bridge := newStreamBridge(&buf, "lightspeed", func() { chunkCount++ })
	require.NoError(t, bridge.run(stream))

	frames := sseFrames(t, buf.String())
	require.Equal(t, "[DONE]", frames[len(frames)-1], "the sentinel must be the last frame")
	require.Len(t, frames, 5) // role, two deltas, finish, sentinel

	role := decodeChunk(t, frames[0])
	assert.Equal(t, "chat.completion.chunk", role.Object)
	assert.Equal(t, "lightspeed", role.Model)
	assert.Equal(t, openai.ChatMessageRoleAssistant, role.Choices[0].Delta.Role)

	var content strings.Builder
	for _, f := range frames[1 : len(frames)-2] {
		content.WriteString(decodeChunk(t, f).Choices[0].Delta.Content)
	}
	assert.Equal(t, "Use df -h.", content.String(), "concatenated deltas equal the full answer")

	final := decodeChunk(t, frames[len(frames)-2])
	assert.Equal(t, openai.FinishReasonStop, final.Choices[0].FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 5, final.Usage.TotalTokens)

	// All frames carry the same completion id.
	assert.Equal(t, role.ID, final.ID)

	assert.Equal(t, 2, chunkCount)
}

func TestStreamBridgeSynthesizesFinishOnBareEOF(t *testing.T) {
	stream := &fakeStream{chunks: []backend.Chunk{
		{Type: backend.ChunkTypeDelta, Text: "partial"},
	}}

	var buf bytes.Buffer
	bridge := newStreamBridge(&buf, "lightspeed", nil)
	require.NoError(t, bridge.run(stream))

	frames := sseFrames(t, buf.String())
	require.Len(t, frames, 4) // role, delta, synthesized finish, sentinel
	assert.Equal(t, "[DONE]", frames[3])

	final := decodeChunk(t, frames[2])
	assert.Equal(t, openai.FinishReasonStop, final.Choices[0].FinishReason)
}

func TestStreamBridgeEmptyStream(t *testing.T) {
	var buf bytes.Buffer
	bridge := newStreamBridge(&buf, "lightspeed", nil)
	require.NoError(t, bridge.run(&fakeStream{}))

	frames := sseFrames(t, buf.String())
	require.Len(t, frames, 3) // role, finish, sentinel
	assert.Equal(t, "[DONE]", frames[2])
}

func TestStreamBridgeErrorEventTerminatesCleanly(t *testing.T) {
	stream := &fakeStream{chunks: []backend.Chunk{
		{Type: backend.ChunkTypeDelta, Text: "partial "},
		{Type: backend.ChunkTypeError, Code: "overloaded", Message: "try later"},
	}}

	var buf bytes.Buffer
	bridge := newStreamBridge(&buf, "lightspeed", nil)
	err := bridge.run(stream)
	require.Error(t, err, "the failure is still reported to the caller for logging")

	frames := sseFrames(t, buf.String())
	require.Equal(t, "[DONE]", frames[len(frames)-1])

	// Flushed content stays flushed; the error frame follows it.
	var envelope struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-2]), &envelope))
	assert.Equal(t, "upstream_error", envelope.Error.Type)
	assert.Equal(t, "overloaded", envelope.Error.Code)

	// Exactly one sentinel in the whole stream.
	assert.Equal(t, 1, strings.Count(buf.String(), "data: [DONE]"))
}

func TestStreamBridgeRejectsDuplicateCompletion(t *testing.T) {
	stream := &fakeStream{chunks: []backend.Chunk{
		{Type: backend.ChunkTypeDelta, Text: "hi"},
		{Type: backend.ChunkTypeCompleted, Finish: backend.FinishStop},
		{Type: backend.ChunkTypeCompleted, Finish: backend.FinishStop},
	}}

	var buf bytes.Buffer
	bridge := newStreamBridge(&buf, "lightspeed", nil)
	require.Error(t, bridge.run(stream))

	frames := sseFrames(t, buf.String())
	require.Equal(t, "[DONE]", frames[len(frames)-1])

	// Exactly one terminal chunk; the duplicate becomes an error frame.
	finishes := 0
	for _, f := range frames[:len(frames)-1] {
		if strings.Contains(f, `"error"`) {
			continue
		}
		if decodeChunk(t, f).Choices[0].FinishReason == openai.FinishReasonStop {
			finishes++
		}
	}
	assert.Equal(t, 1, finishes)
	assert.Contains(t, frames[len(frames)-2], "internal_error")
	assert.Equal(t, 1, strings.Count(buf.String(), "data: [DONE]"))
}

func TestStreamBridgeTransportErrorMidStream(t *testing.T) {
	stream := &fakeStream{
		chunks: []backend.Chunk{{Type: backend.ChunkTypeDelta, Text: "partial"}},
		err:    io.ErrUnexpectedEOF,
	}

	var buf bytes.Buffer
	bridge := newStreamBridge(&buf, "lightspeed", nil)
	require.Error(t, bridge.run(stream))

	frames := sseFrames(t, buf.String())
	require.Equal(t, "[DONE]", frames[len(frames)-1])
	assert.Contains(t, frames[len(frames)-2], `"error"`)
}

func TestStreamBridgeMatchesBufferedAnswer(t *testing.T) {
	// The same backend turn delivered chunked must concatenate to the text a
	// buffered request would have returned.
	text := "The answer, in full, split over several chunks."
	var chunks []backend.Chunk
	for i := 0; i < len(text); i += 7 {
		end := i + 7
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, backend.Chunk{Type: backend.ChunkTypeDelta, Text: text[i:end]})
	}
	chunks = append(chunks, backend.Chunk{Type: backend.ChunkTypeCompleted, Finish: backend.FinishStop})

	var buf bytes.Buffer
	bridge := newStreamBridge(&buf, "lightspeed", nil)
	require.NoError(t, bridge.run(&fakeStream{chunks: chunks}))

	var got strings.Builder
	for _, f := range sseFrames(t, buf.String()) {
		if f == "[DONE]" {
			continue
		}
		got.WriteString(decodeChunk(t, f).Choices[0].Delta.Content)
	}
	assert.Equal(t, text, got.String())
}
