// Package stream writes relayed completions to the client, either as
// OpenAI-style server-sent events or as a single chat.completion object.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/session-gateway/internal/apierr"
	"github.com/vnmchuo/session-gateway/internal/metrics"
)

var errNotOpen = errors.New("stream: response not opened")

// Sink receives one completion. Open commits the response and is called
// once before any Delta. After Open, exactly one of Done or Abort ends it.
type Sink interface {
	Open() error
	Delta(text string) error
	Done() error
	Abort(e *apierr.Error) error
}

type chunkFrame struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int       `json:"index"`
	Delta        deltaBody `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

type deltaBody struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// SSE frames deltas as chat.completion.chunk events and flushes after each
// frame. A failed write cancels the request through cancel and every later
// call returns the same error.
type SSE struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	cancel  context.CancelFunc
	id      string
	model   string
	created int64
	opened  bool
	first   bool
	err     error
}

func NewSSE(w http.ResponseWriter, cancel context.CancelFunc, id, model string) *SSE {
	return &SSE{
		w:       w,
		rc:      http.NewResponseController(w),
		cancel:  cancel,
		id:      id,
		model:   model,
		created: time.Now().Unix(),
		first:   true,
	}
}

func (s *SSE) Open() error {
	if s.opened {
		return s.err
	}
	s.opened = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	return s.flush()
}

func (s *SSE) Delta(text string) error {
	if !s.opened {
		return errNotOpen
	}
	d := deltaBody{Content: text}
	if s.first {
		d.Role = "assistant"
		s.first = false
	}
	if err := s.frame(d, nil); err != nil {
		return err
	}
	metrics.StreamedChunksTotal.Inc()
	return nil
}

func (s *SSE) Done() error {
	if !s.opened {
		return errNotOpen
	}
	stop := "stop"
	if err := s.frame(deltaBody{}, &stop); err != nil {
		return err
	}
	return s.write("data: [DONE]\n\n")
}

// Abort ends the stream with an error event followed by the usual sentinel.
func (s *SSE) Abort(e *apierr.Error) error {
	if !s.opened {
		return errNotOpen
	}
	if err := s.write("event: error\ndata: " + string(e.JSON()) + "\n\n"); err != nil {
		return err
	}
	return s.write("data: [DONE]\n\n")
}

func (s *SSE) frame(d deltaBody, finish *string) error {
	b, err := json.Marshal(chunkFrame{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []chunkChoice{{Delta: d, FinishReason: finish}},
	})
	if err != nil {
		return err
	}
	return s.write("data: " + string(b) + "\n\n")
}

func (s *SSE) write(frame string) error {
	if s.err != nil {
		return s.err
	}
	if _, err := fmt.Fprint(s.w, frame); err != nil {
		return s.fail(err)
	}
	return s.flush()
}

func (s *SSE) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return s.fail(err)
	}
	return nil
}

func (s *SSE) fail(err error) error {
	s.err = fmt.Errorf("write to client: %w", err)
	if s.cancel != nil {
		s.cancel()
	}
	return s.err
}

type completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
}

type completionChoice struct {
	Index        int               `json:"index"`
	Message      completionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// JSON buffers deltas and writes one chat.completion object on Done.
type JSON struct {
	w      http.ResponseWriter
	id     string
	model  string
	opened bool
	buf    strings.Builder
}

func NewJSON(w http.ResponseWriter, id, model string) *JSON {
	return &JSON{w: w, id: id, model: model}
}

func (j *JSON) Open() error {
	j.opened = true
	return nil
}

func (j *JSON) Delta(text string) error {
	if !j.opened {
		return errNotOpen
	}
	j.buf.WriteString(text)
	return nil
}

func (j *JSON) Done() error {
	if !j.opened {
		return errNotOpen
	}
	j.w.Header().Set("Content-Type", "application/json")
	j.w.WriteHeader(http.StatusOK)
	return json.NewEncoder(j.w).Encode(completion{
		ID:      j.id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   j.model,
		Choices: []completionChoice{{
			Message:      completionMessage{Role: "assistant", Content: j.buf.String()},
			FinishReason: "stop",
		}},
	})
}

func (j *JSON) Abort(e *apierr.Error) error {
	apierr.Write(j.w, e)
	return nil
}
