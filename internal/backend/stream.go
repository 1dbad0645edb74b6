package backend

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/dvcrn/lightspeed-proxy/internal/proxyerr"
)

// MessageStream is a lazy, finite, non-restartable sequence of backend
// chunks. Implementations suspend in Next on network reads; Close releases
// the underlying transport resource and must be called even when the
// consumer stops early.
type MessageStream interface {
	Next() (Chunk, error)
	Close() error
}

// Stream is a lazy, finite, non-restartable sequence of backend chunks.
// Next suspends on network reads; Close releases the underlying connection
// and must be called even when the consumer stops early.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	client  *Client
	done    bool
}

func newStream(body io.ReadCloser, client *Client) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	return &Stream{body: body, scanner: scanner, client: client}
}

// Next returns the next chunk. It returns io.EOF when the backend stream is
// exhausted, whether or not the backend sent an explicit [DONE] frame.
// Unknown event types are skipped. Backend "error" events are returned as
// chunks so the consumer can terminate the downstream protocol cleanly.
func (s *Stream) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	var dataLines [][]byte
	for s.scanner.Scan() {
		line := s.scanner.Bytes()

		// Blank line ends the current event.
		if len(bytes.TrimSpace(line)) == 0 {
			if len(dataLines) == 0 {
				continue
			}
			chunk, ok, err := s.decodeEvent(bytes.Join(dataLines, []byte("\n")))
			dataLines = dataLines[:0]
			if err != nil {
				return Chunk{}, err
			}
			if s.done {
				return Chunk{}, io.EOF
			}
			if !ok {
				continue
			}
			return chunk, nil
		}

		if bytes.HasPrefix(line, []byte(":")) {
			continue
		}
		if bytes.HasPrefix(line, []byte("data:")) {
			payload := bytes.TrimPrefix(line, []byte("data:"))
			if len(payload) > 0 && payload[0] == ' ' {
				payload = payload[1:]
			}
			cp := make([]byte, len(payload))
			copy(cp, payload)
			dataLines = append(dataLines, cp)
		}
		// Other fields (event:, id:) are ignored.
	}

	if err := s.scanner.Err(); err != nil {
		s.done = true
		return Chunk{}, s.client.normalizeTransportError(err)
	}

	// Trailing event without a terminating blank line.
	if len(dataLines) > 0 {
		chunk, ok, err := s.decodeEvent(bytes.Join(dataLines, []byte("\n")))
		if err != nil {
			return Chunk{}, err
		}
		if ok {
			return chunk, nil
		}
	}

	s.done = true
	return Chunk{}, io.EOF
}

func (s *Stream) decodeEvent(raw []byte) (Chunk, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Chunk{}, false, nil
	}
	if bytes.Equal(trimmed, []byte("[DONE]")) {
		s.done = true
		return Chunk{}, false, nil
	}

	var chunk Chunk
	if err := json.Unmarshal(trimmed, &chunk); err != nil {
		return Chunk{}, false, proxyerr.Wrap(proxyerr.Internal, err, "malformed backend stream event")
	}

	switch chunk.Type {
	case ChunkTypeDelta, ChunkTypeCompleted, ChunkTypeError:
		return chunk, true, nil
	default:
		return Chunk{}, false, nil
	}
}

// Close releases the underlying transport resource.
func (s *Stream) Close() error {
	s.done = true
	return s.body.Close()
}
