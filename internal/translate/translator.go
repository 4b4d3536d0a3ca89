// Package translate maps OpenAI-style chat requests onto the upstream web
// completion body. Translation is a pure function of the request and the
// Translator's fixed options.
package translate

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var ErrUnsupportedSchema = errors.New("unsupported schema")

// SchemaError reports the field that could not be translated.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("unsupported schema: %s: %s", e.Field, e.Reason)
}

func (e *SchemaError) Is(target error) bool { return target == ErrUnsupportedSchema }

const (
	DefaultMaxTokens = 4096
	MaxTokensCap     = 8192

	// Sampling values this far outside [0,1] are clamped; anything further
	// out is rejected.
	clampTolerance = 0.1

	humanPrefix     = "Human:"
	assistantPrefix = "Assistant:"
)

var defaultStops = []string{"\n\n" + humanPrefix, "\n\n" + assistantPrefix}

type Options struct {
	// Models lists accepted model IDs in addition to any "claude-" model.
	Models []string
	// PasteThreshold moves prompts longer than this many bytes into a
	// paste.txt attachment. Zero disables it.
	PasteThreshold int
	Timezone       string
}

type Translator struct {
	models         map[string]struct{}
	pasteThreshold int
	timezone       string
}

func New(opts Options) *Translator {
	models := make(map[string]struct{}, len(opts.Models))
	for _, m := range opts.Models {
		if m = strings.TrimSpace(m); m != "" {
			models[m] = struct{}{}
		}
	}
	tz := opts.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return &Translator{models: models, pasteThreshold: opts.PasteThreshold, timezone: tz}
}

// Supports reports whether model is accepted.
func (t *Translator) Supports(model string) bool {
	if _, ok := t.models[model]; ok {
		return true
	}
	return strings.Contains(model, "claude-")
}

func (t *Translator) Translate(req InboundRequest) (OutboundRequest, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return OutboundRequest{}, &SchemaError{Field: "model", Reason: "required"}
	}
	if !t.Supports(model) {
		return OutboundRequest{}, &SchemaError{Field: "model", Reason: fmt.Sprintf("unrecognized model %q", model)}
	}
	if len(req.Messages) == 0 {
		return OutboundRequest{}, &SchemaError{Field: "messages", Reason: "required"}
	}

	out := OutboundRequest{
		Model:         model,
		Attachments:   []Attachment{},
		Files:         []string{},
		RenderingMode: "raw",
		Timezone:      t.timezone,
	}

	var err error
	if out.Temperature, err = unitParam("temperature", req.Temperature); err != nil {
		return OutboundRequest{}, err
	}
	if out.TopP, err = unitParam("top_p", req.TopP); err != nil {
		return OutboundRequest{}, err
	}
	if req.TopK != nil {
		if *req.TopK < 0 {
			return OutboundRequest{}, &SchemaError{Field: "top_k", Reason: "must be non-negative"}
		}
		k := *req.TopK
		out.TopK = &k
	}
	switch {
	case req.MaxTokens < 0:
		return OutboundRequest{}, &SchemaError{Field: "max_tokens", Reason: "must be non-negative"}
	case req.MaxTokens == 0:
		out.MaxTokensToSample = DefaultMaxTokens
	case req.MaxTokens > MaxTokensCap:
		out.MaxTokensToSample = MaxTokensCap
	default:
		out.MaxTokensToSample = req.MaxTokens
	}

	prompt, err := RenderPrompt(req.Messages)
	if err != nil {
		return OutboundRequest{}, err
	}
	if t.pasteThreshold > 0 && len(prompt) > t.pasteThreshold {
		out.Attachments = append(out.Attachments, Attachment{
			ExtractedContent: prompt,
			FileName:         "paste.txt",
			FileType:         "txt",
			FileSize:         len(prompt),
		})
		prompt = ""
	}
	out.Prompt = prompt
	out.StopSequences = mergeStops(req.Stop)
	return out, nil
}

// RenderPrompt flattens turns into the Human/Assistant transcript the web
// API expects. System turns are hoisted, in order, ahead of the transcript
// and consecutive turns from the same speaker are merged.
func RenderPrompt(messages []Message) (string, error) {
	var (
		systems []string
		turns   []Message
	)
	for i, m := range messages {
		content := strings.TrimSpace(string(m.Content))
		switch m.Role {
		case RoleSystem:
			if content != "" {
				systems = append(systems, content)
			}
			continue
		case RoleUser, RoleAssistant:
		default:
			return "", &SchemaError{Field: fmt.Sprintf("messages[%d].role", i), Reason: fmt.Sprintf("unsupported role %q", m.Role)}
		}
		if content == "" {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].Role == m.Role {
			turns[n-1].Content += Content("\n\n" + content)
			continue
		}
		turns = append(turns, Message{Role: m.Role, Content: Content(content)})
	}
	if len(turns) == 0 {
		return "", &SchemaError{Field: "messages", Reason: "no user or assistant content"}
	}

	var b strings.Builder
	b.WriteString(strings.Join(systems, "\n\n"))
	for _, turn := range turns {
		prefix := humanPrefix
		if turn.Role == RoleAssistant {
			prefix = assistantPrefix
		}
		b.WriteString("\n\n")
		b.WriteString(prefix)
		b.WriteString(" ")
		b.WriteString(string(turn.Content))
	}
	if turns[len(turns)-1].Role != RoleAssistant {
		b.WriteString("\n\n")
		b.WriteString(assistantPrefix)
	}
	return strings.TrimLeft(b.String(), "\n"), nil
}

func unitParam(field string, v *float64) (*float64, error) {
	if v == nil {
		return nil, nil
	}
	val := *v
	switch {
	case math.IsNaN(val), val < -clampTolerance, val > 1+clampTolerance:
		return nil, &SchemaError{Field: field, Reason: fmt.Sprintf("%v is outside the accepted range [0, 1]", val)}
	case val < 0:
		val = 0
	case val > 1:
		val = 1
	}
	return &val, nil
}

func mergeStops(client []string) []string {
	seen := make(map[string]struct{}, len(client)+len(defaultStops))
	out := make([]string, 0, len(client)+len(defaultStops))
	for _, group := range [][]string{client, defaultStops} {
		for _, s := range group {
			if strings.TrimSpace(s) == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
