package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dvcrn/lightspeed-proxy/internal/proxyerr"
)

func (s *Server) chatCompletionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, proxyerr.Wrap(proxyerr.InvalidRequest, err, "request body is not a valid chat completion request"))
		return
	}

	s.logger.Info().
		Str("requested_model", req.Model).
		Int("message_count", len(req.Messages)).
		Bool("stream", req.Stream).
		Str("user_agent", r.UserAgent()).
		Msg("Processing chat completion request")

	if req.Stream {
		s.streamChatCompletion(w, r, req)
		return
	}

	resp, err := s.orch.Complete(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode chat completion response")
	}
}

func (s *Server) streamChatCompletion(w http.ResponseWriter, r *http.Request, req openai.ChatCompletionRequest) {
	// Resolve the conversation and open the backend stream before any
	// byte goes out: failures here can still become proper HTTP errors.
	handle, err := s.orch.StartStream(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var out io.Writer = w
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
		out = sseFlushWriter{w: w, f: flusher}
	} else {
		s.logger.Warn().Msg("ResponseWriter does not support flushing - streaming may be buffered")
	}

	if err := handle.Run(out); err != nil {
		s.logger.Error().Err(err).Msg("Streaming chat completion failed mid-stream")
	}
}

// writeError renders the error envelope with its mapped HTTP status.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	perr := proxyerr.As(err)

	event := s.logger.Warn()
	if perr.Kind == proxyerr.Internal {
		event = s.logger.Error()
	}
	var cause error = perr
	if unwrapped := errors.Unwrap(perr); unwrapped != nil {
		cause = unwrapped
	}
	event.Err(cause).
		Str("error_type", perr.Kind.String()).
		Int("status", perr.HTTPStatus()).
		Msg("Request failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(perr.HTTPStatus())
	if encErr := json.NewEncoder(w).Encode(perr.Envelope()); encErr != nil {
		s.logger.Error().Err(encErr).Msg("Failed to encode error envelope")
	}
}
