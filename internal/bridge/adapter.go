package bridge

import (
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/dvcrn/lightspeed-proxy/internal/backend"
	"github.com/dvcrn/lightspeed-proxy/internal/proxyerr"
)

// Schema adapters between the OpenAI wire model and the backend's
// message/context model. These are pure functions: no I/O, no shared state.
// They fail closed on shapes the backend cannot represent instead of
// dropping fields.

// ToBackendMessage maps an OpenAI chat completion request onto one backend
// turn: the trailing user message becomes the question, everything before it
// becomes the ordered transcript. Backend-only metadata (working directory,
// allowed tools) is not derived here; it is configuration bound at context
// creation.
func ToBackendMessage(req openai.ChatCompletionRequest) (backend.Message, error) {
	if len(req.Messages) == 0 {
		return backend.Message{}, proxyerr.New(proxyerr.InvalidRequest, "messages must not be empty")
	}
	if len(req.Tools) > 0 || req.ToolChoice != nil {
		return backend.Message{}, proxyerr.New(proxyerr.InvalidRequest, "the backend does not support tool definitions")
	}

	lastUser := -1
	for i, m := range req.Messages {
		switch m.Role {
		case openai.ChatMessageRoleSystem, openai.ChatMessageRoleUser, openai.ChatMessageRoleAssistant:
		case openai.ChatMessageRoleTool:
			// Tool results cannot be represented backend-side; failing beats
			// silently dropping them.
			return backend.Message{}, proxyerr.New(proxyerr.InvalidRequest, "the backend does not support tool messages")
		default:
			return backend.Message{}, proxyerr.New(proxyerr.InvalidRequest, "unsupported message role %q", m.Role)
		}
		if len(m.ToolCalls) > 0 || m.ToolCallID != "" {
			return backend.Message{}, proxyerr.New(proxyerr.InvalidRequest, "the backend does not support tool calls")
		}
		if m.Role == openai.ChatMessageRoleUser {
			lastUser = i
		}
	}
	if lastUser == -1 {
		return backend.Message{}, proxyerr.New(proxyerr.InvalidRequest, "request contains no user message")
	}

	question, err := messageText(req.Messages[lastUser])
	if err != nil {
		return backend.Message{}, err
	}
	if strings.TrimSpace(question) == "" {
		return backend.Message{}, proxyerr.New(proxyerr.InvalidRequest, "user message content must not be empty")
	}

	var transcript []backend.TranscriptEntry
	for i, m := range req.Messages {
		if i == lastUser {
			continue
		}
		content, err := messageText(m)
		if err != nil {
			return backend.Message{}, err
		}
		transcript = append(transcript, backend.TranscriptEntry{Role: m.Role, Content: content})
	}

	return backend.Message{Question: question, Transcript: transcript}, nil
}

// messageText extracts the plain text of a message. Multi-part content is
// accepted only when every part is text.
func messageText(m openai.ChatCompletionMessage) (string, error) {
	if len(m.MultiContent) == 0 {
		return m.Content, nil
	}
	var parts []string
	for _, p := range m.MultiContent {
		if p.Type != openai.ChatMessagePartTypeText {
			return "", proxyerr.New(proxyerr.InvalidRequest, "unsupported content part type %q", p.Type)
		}
		parts = append(parts, p.Text)
	}
	return strings.Join(parts, "\n"), nil
}

// mapFinish converts a backend finish state into an OpenAI finish reason.
// The mapping is total: every state maps to exactly one reason or to an
// error, never to a silent default.
func mapFinish(finish string) (openai.FinishReason, error) {
	switch finish {
	case backend.FinishStop:
		return openai.FinishReasonStop, nil
	case backend.FinishLength:
		return openai.FinishReasonLength, nil
	case backend.FinishContentFilter:
		return openai.FinishReasonContentFilter, nil
	case backend.FinishError:
		return "", proxyerr.New(proxyerr.Upstream, "backend reported an error finish")
	default:
		return "", proxyerr.New(proxyerr.Internal, "backend reported unknown finish state %q", finish)
	}
}

// FromBackendResult maps a complete backend result onto the OpenAI response
// shape. Usage is copied when the backend reports it and estimated
// otherwise.
func FromBackendResult(res *backend.Result, model string) (openai.ChatCompletionResponse, error) {
	finish, err := mapFinish(res.Finish)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}

	return openai.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: res.Text,
			},
			FinishReason: finish,
		}},
		Usage: usageFor(res.Usage, res.Text),
	}, nil
}

// usageFor copies backend token accounting, estimating the completion count
// from the text length when the backend omits it.
func usageFor(u *backend.Usage, text string) openai.Usage {
	if u != nil {
		return openai.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	estimated := len(text) / 4
	return openai.Usage{CompletionTokens: estimated, TotalTokens: estimated}
}
