package server

import (
	"encoding/json"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

type modelsResponse struct {
	Object string         `json:"object"`
	Data   []openai.Model `json:"data"`
}

// modelsHandler advertises the single configured model. The backend
// serves one assistant; the model name is a deployment label, not a
// selector.
func (s *Server) modelsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	response := modelsResponse{
		Object: "list",
		Data: []openai.Model{{
			ID:      s.model,
			Object:  "model",
			OwnedBy: "lightspeed",
		}},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode models response")
	}
}
