package registry

import (
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// Key identifies a client-visible conversation. Requests carrying the same
// key reuse the same backend context while it remains valid.
type Key string

// keyNamespace scopes derived keys so they cannot collide with explicit
// session tokens or other UUID users.
var keyNamespace = uuid.MustParse("5f2de1b3-9a74-4c1a-8e14-6c3b8f0b9d21")

// DeriveKey computes the ConversationKey for a request. An explicit `user`
// field is taken verbatim as a session token. Otherwise the key is a
// deterministic UUID over model + system prompt + first user message, which
// stays stable across the growing message history of one conversation but
// separates conversations with different openings.
func DeriveKey(req openai.ChatCompletionRequest) Key {
	if user := strings.TrimSpace(req.User); user != "" {
		return Key("session:" + user)
	}

	var system, firstUser string
	for _, m := range req.Messages {
		switch m.Role {
		case openai.ChatMessageRoleSystem:
			if system == "" {
				system = m.Content
			}
		case openai.ChatMessageRoleUser:
			if firstUser == "" {
				firstUser = m.Content
			}
		}
		if system != "" && firstUser != "" {
			break
		}
	}

	payload := strings.Join([]string{req.Model, system, firstUser}, "\n")
	return Key(uuid.NewSHA1(keyNamespace, []byte(payload)).String())
}
