package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content accepts either a plain string or an array of typed parts, of
// which only "text" parts are kept.
type Content string

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content(s)
		return nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or an array of parts: %w", err)
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == "text" || p.Type == "" {
			texts = append(texts, p.Text)
		}
	}
	*c = Content(strings.Join(texts, "\n"))
	return nil
}

// StopList accepts a single stop string or an array of them.
type StopList []string

func (s *StopList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = nil
		return nil
	}
	if data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = StopList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings: %w", err)
	}
	*s = many
	return nil
}

// InboundRequest is an OpenAI-style chat completion request.
type InboundRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	TopK        *int      `json:"top_k,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stop        StopList  `json:"stop,omitempty"`
}

type Attachment struct {
	ExtractedContent string `json:"extracted_content"`
	FileName         string `json:"file_name"`
	FileType         string `json:"file_type"`
	FileSize         int    `json:"file_size"`
}

// OutboundRequest is the completion body the upstream web API accepts.
type OutboundRequest struct {
	Model             string       `json:"model"`
	Prompt            string       `json:"prompt"`
	Attachments       []Attachment `json:"attachments"`
	Files             []string     `json:"files"`
	RenderingMode     string       `json:"rendering_mode"`
	Timezone          string       `json:"timezone"`
	MaxTokensToSample int          `json:"max_tokens_to_sample"`
	StopSequences     []string     `json:"stop_sequences,omitempty"`
	Temperature       *float64     `json:"temperature,omitempty"`
	TopP              *float64     `json:"top_p,omitempty"`
	TopK              *int         `json:"top_k,omitempty"`
}
