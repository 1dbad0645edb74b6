package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dvcrn/lightspeed-proxy/internal/config"
	"github.com/dvcrn/lightspeed-proxy/internal/credentials"
	"github.com/dvcrn/lightspeed-proxy/internal/proxyerr"
)

// HTTPClient is an interface for making HTTP requests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client issues calls against the Lightspeed assistant service and
// normalizes its transport failures into the proxy error taxonomy.
type Client struct {
	baseURL      string
	httpClient   HTTPClient
	streamClient HTTPClient
	tokens       credentials.TokenSource
	logger       zerolog.Logger
}

// New creates a backend client. The http.Client timeout is a hard cap on
// buffered calls; every call additionally honors the caller's context
// deadline. Streaming calls go through a separate client that bounds only
// the wait for response headers, so a long completion is never cut off
// mid-body by the request timeout.
func New(cfg config.BackendConfig, tokens credentials.TokenSource, logger zerolog.Logger) *Client {
	streamTransport := http.DefaultTransport.(*http.Transport).Clone()
	streamTransport.ResponseHeaderTimeout = cfg.Timeout
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		streamClient: &http.Client{Transport: streamTransport},
		tokens:       tokens,
		logger:       logger,
	}
}

// NewWithHTTPClient injects a custom transport, used by tests.
func NewWithHTTPClient(baseURL string, httpClient HTTPClient, tokens credentials.TokenSource, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   httpClient,
		streamClient: httpClient,
		tokens:       tokens,
		logger:       logger,
	}
}

// CreateContext opens a new backend conversation context and returns its
// opaque identifier.
func (c *Client) CreateContext(ctx context.Context, cfg ContextConfig) (string, error) {
	resp, err := c.post(ctx, c.baseURL+"/api/v1/contexts", cfg, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", c.errorFromResponse(resp)
	}

	var out createContextResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", proxyerr.Wrap(proxyerr.Internal, err, "malformed create-context response")
	}
	if out.Data.ContextID == "" {
		return "", proxyerr.New(proxyerr.Internal, "backend returned empty context id")
	}

	c.logger.Debug().Str("context_id", out.Data.ContextID).Msg("Created backend context")
	return out.Data.ContextID, nil
}

// DeleteContext tears down a backend context. A context the backend no
// longer knows about is not an error.
func (c *Client) DeleteContext(ctx context.Context, contextID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.contextURL(contextID), nil)
	if err != nil {
		return proxyerr.Wrap(proxyerr.Internal, err, "failed to build delete-context request")
	}
	if err := c.authorize(req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.normalizeTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusGone {
		return c.errorFromResponse(resp)
	}
	return nil
}

// SendMessage sends one turn and blocks for the complete result.
func (c *Client) SendMessage(ctx context.Context, contextID string, msg Message) (*Result, error) {
	resp, err := c.post(ctx, c.contextURL(contextID)+"/messages", msg, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse(resp)
	}

	var out sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, proxyerr.Wrap(proxyerr.Internal, err, "malformed send-message response")
	}

	finish := out.Data.Finish
	if finish == "" {
		finish = FinishStop
	}
	return &Result{Text: out.Data.Text, Finish: finish, Usage: out.Usage}, nil
}

// StreamMessage sends one turn and returns the backend's incremental result
// as a lazy, finite, non-restartable sequence. The caller must Close the
// stream to release the underlying connection, including when it stops
// consuming early.
func (c *Client) StreamMessage(ctx context.Context, contextID string, msg Message) (MessageStream, error) {
	resp, err := c.post(ctx, c.contextURL(contextID)+"/messages", msg, true)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.errorFromResponse(resp)
	}

	return newStream(resp.Body, c), nil
}

func (c *Client) contextURL(contextID string) string {
	return c.baseURL + "/api/v1/contexts/" + url.PathEscape(contextID)
}

func (c *Client) post(ctx context.Context, url string, body interface{}, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.Internal, err, "failed to marshal backend request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.Internal, err, "failed to build backend request")
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if err := c.authorize(req); err != nil {
		return nil, err
	}

	client := c.httpClient
	if stream {
		client = c.streamClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, c.normalizeTransportError(err)
	}
	return resp, nil
}

func (c *Client) authorize(req *http.Request) error {
	token, err := c.tokens.Token()
	if err != nil {
		return proxyerr.Wrap(proxyerr.BackendUnavailable, err, "failed to obtain backend credentials")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// normalizeTransportError folds transport failures into the taxonomy: a
// deadline becomes BackendTimeout, everything else BackendUnavailable.
func (c *Client) normalizeTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return proxyerr.Wrap(proxyerr.BackendTimeout, err, "backend call exceeded deadline")
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return proxyerr.Wrap(proxyerr.BackendTimeout, err, "backend call timed out")
	}
	if errors.Is(err, context.Canceled) {
		return proxyerr.Wrap(proxyerr.BackendUnavailable, err, "backend call canceled")
	}
	return proxyerr.Wrap(proxyerr.BackendUnavailable, err, "failed to reach backend")
}

// errorFromResponse converts a non-2xx backend response into a proxy error.
// 404/410 on a context URL, or an explicit context error code, mean the
// context is gone and the turn may be retried once on a fresh context.
func (c *Client) errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var env errorEnvelope
	parsed := json.Unmarshal(body, &env) == nil && env.Error.Message != ""

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone ||
		(parsed && isContextGoneCode(env.Error.Code)) {
		msg := "backend context is no longer valid"
		if parsed {
			msg = env.Error.Message
		}
		return proxyerr.New(proxyerr.ContextExpired, "%s", msg).WithCode(env.Error.Code)
	}

	if parsed {
		c.logger.Warn().
			Int("status_code", resp.StatusCode).
			Str("backend_code", env.Error.Code).
			Str("backend_message", env.Error.Message).
			Msg("Backend returned application error")
		return proxyerr.New(proxyerr.Upstream, "%s", env.Error.Message).WithCode(env.Error.Code)
	}

	preview := string(body)
	if len(preview) > 200 {
		preview = preview[:200] + "…"
	}
	c.logger.Error().
		Int("status_code", resp.StatusCode).
		Str("body_preview", preview).
		Msg("Backend returned malformed error payload")
	return proxyerr.New(proxyerr.Internal, "backend returned status %d with malformed payload", resp.StatusCode)
}

func isContextGoneCode(code string) bool {
	switch code {
	case "context_expired", "context_not_found":
		return true
	}
	return false
}
