package backend

// ContextConfig is the create-context payload. These fields carry the
// backend-specific metadata the OpenAI protocol has no place for; they are
// supplied from daemon configuration.
type ContextConfig struct {
	WorkingDirectory string   `json:"working_directory,omitempty"`
	AllowedTools     []string `json:"allowed_tools,omitempty"`
	SystemPrompt     string   `json:"system_prompt,omitempty"`
}

// TranscriptEntry is one prior turn replayed to the backend for context.
type TranscriptEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message is the backend wire shape for one new turn: the current question
// plus the ordered transcript of everything before it.
type Message struct {
	Question   string            `json:"question"`
	Transcript []TranscriptEntry `json:"transcript,omitempty"`
}

// Finish states reported by the backend for a completed turn.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
	FinishError         = "error"
)

// Usage mirrors the backend's token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is a complete backend answer for a non-streaming send.
type Result struct {
	Text   string
	Finish string
	Usage  *Usage
}

// Chunk event types on the backend's SSE stream.
const (
	ChunkTypeDelta     = "message.delta"
	ChunkTypeCompleted = "message.completed"
	ChunkTypeError     = "error"
)

// Chunk is one event of an incrementally produced backend result.
type Chunk struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Finish string `json:"finish,omitempty"`
	Usage  *Usage `json:"usage,omitempty"`

	// Set on ChunkTypeError events.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Wire envelopes. The backend wraps payloads in a "data" object; this is the
// command-line-assistant response shape.
type createContextData struct {
	ContextID string `json:"context_id"`
}

type createContextResponse struct {
	Data createContextData `json:"data"`
}

type sendMessageData struct {
	Text   string `json:"text"`
	Finish string `json:"finish"`
}

type sendMessageResponse struct {
	Data  sendMessageData `json:"data"`
	Usage *Usage          `json:"usage,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}
