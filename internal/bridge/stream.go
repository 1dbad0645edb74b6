package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/dvcrn/lightspeed-proxy/internal/backend"
	"github.com/dvcrn/lightspeed-proxy/internal/proxyerr"
)

// streamBridge converts a backend chunk sequence into OpenAI SSE frames.
// Output order equals input order; nothing is buffered beyond the current
// chunk. Exactly one [DONE] sentinel is written and it is always the last
// frame, including when the backend stream ends without an explicit
// completion or errors mid-flight.
type streamBridge struct {
	w       io.Writer
	model   string
	id      string
	created int64

	roleSent  bool
	doneSent  bool
	completed bool

	onChunk func()
}

func newStreamBridge(w io.Writer, model string, onChunk func()) *streamBridge {
	return &streamBridge{
		w:       w,
		model:   model,
		id:      "chatcmpl-" + uuid.NewString(),
		created: time.Now().Unix(),
		onChunk: onChunk,
	}
}

// run pumps the backend stream to completion. The downstream protocol is
// always terminated correctly: a clean completion ends with a finish chunk
// and [DONE]; a backend failure ends with one error frame and [DONE].
// Already-flushed chunks are never retracted. The returned error reports
// the failure for logging; the client has already been signaled.
func (b *streamBridge) run(stream backend.MessageStream) error {
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return b.terminate(proxyerr.As(err))
		}

		switch chunk.Type {
		case backend.ChunkTypeDelta:
			if b.completed {
				// Invariant: no content after the terminal chunk.
				return b.terminate(proxyerr.New(proxyerr.Internal, "backend sent content after completion"))
			}
			if err := b.emitRole(); err != nil {
				return err
			}
			if err := b.emitContent(chunk.Text); err != nil {
				return err
			}

		case backend.ChunkTypeCompleted:
			if b.completed {
				// Invariant: exactly one terminal chunk per stream.
				return b.terminate(proxyerr.New(proxyerr.Internal, "backend sent a second completion"))
			}
			finish, ferr := mapFinish(chunk.Finish)
			if ferr != nil {
				return b.terminate(proxyerr.As(ferr))
			}
			if err := b.emitRole(); err != nil {
				return err
			}
			if err := b.emitFinal(finish, chunk.Usage); err != nil {
				return err
			}
			b.completed = true

		case backend.ChunkTypeError:
			perr := proxyerr.New(proxyerr.Upstream, "%s", chunk.Message).WithCode(chunk.Code)
			return b.terminate(perr)
		}
	}

	// Backend stream ended without an explicit completion: synthesize the
	// terminal chunk so clients can tell this apart from an abort.
	if !b.completed {
		if err := b.emitRole(); err != nil {
			return err
		}
		if err := b.emitFinal(openai.FinishReasonStop, nil); err != nil {
			return err
		}
	}
	return b.emitDone()
}

// terminate signals a mid-stream failure: one OpenAI error-envelope frame,
// then the sentinel. Write failures short-circuit; the client is gone.
func (b *streamBridge) terminate(perr *proxyerr.Error) error {
	payload, err := json.Marshal(perr.Envelope())
	if err != nil {
		return perr
	}
	if err := b.writeFrame(payload); err != nil {
		return perr
	}
	if err := b.emitDone(); err != nil {
		return perr
	}
	return perr
}

func (b *streamBridge) emitRole() error {
	if b.roleSent {
		return nil
	}
	b.roleSent = true
	return b.emitChunk(openai.ChatCompletionStreamChoiceDelta{Role: openai.ChatMessageRoleAssistant}, "", nil)
}

func (b *streamBridge) emitContent(text string) error {
	if err := b.emitChunk(openai.ChatCompletionStreamChoiceDelta{Content: text}, "", nil); err != nil {
		return err
	}
	if b.onChunk != nil {
		b.onChunk()
	}
	return nil
}

func (b *streamBridge) emitFinal(finish openai.FinishReason, usage *backend.Usage) error {
	var u *openai.Usage
	if usage != nil {
		u = &openai.Usage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}
	}
	return b.emitChunk(openai.ChatCompletionStreamChoiceDelta{}, finish, u)
}

func (b *streamBridge) emitChunk(delta openai.ChatCompletionStreamChoiceDelta, finish openai.FinishReason, usage *openai.Usage) error {
	chunk := openai.ChatCompletionStreamResponse{
		ID:      b.id,
		Object:  "chat.completion.chunk",
		Created: b.created,
		Model:   b.model,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finish,
		}},
		Usage: usage,
	}
	payload, err := json.Marshal(chunk)
	if err != nil {
		return proxyerr.Wrap(proxyerr.Internal, err, "failed to marshal stream chunk")
	}
	return b.writeFrame(payload)
}

func (b *streamBridge) emitDone() error {
	if b.doneSent {
		return nil
	}
	b.doneSent = true
	_, err := io.WriteString(b.w, "data: [DONE]\n\n")
	return err
}

func (b *streamBridge) writeFrame(payload []byte) error {
	_, err := fmt.Fprintf(b.w, "data: %s\n\n", payload)
	return err
}
