package gateway

import (
	"fmt"
	"strings"

	"github.com/vnmchuo/session-gateway/internal/translate"
)

func Validate(req translate.InboundRequest) error {
	if len(req.Messages) == 0 {
		return &ValidationError{Field: "messages", Reason: "at least one message is required"}
	}
	for i, m := range req.Messages {
		switch m.Role {
		case translate.RoleSystem, translate.RoleUser, translate.RoleAssistant:
		case "":
			return &ValidationError{Field: fmt.Sprintf("messages[%d].role", i), Reason: "required"}
		default:
			return &ValidationError{Field: fmt.Sprintf("messages[%d].role", i), Reason: fmt.Sprintf("unknown role %q", m.Role)}
		}
		if strings.TrimSpace(string(m.Content)) == "" {
			return &ValidationError{Field: fmt.Sprintf("messages[%d].content", i), Reason: "must not be empty"}
		}
	}
	return nil
}

// isProbe matches the single "Hi" clients send to check connectivity.
func isProbe(req translate.InboundRequest) bool {
	if req.Stream || len(req.Messages) != 1 {
		return false
	}
	m := req.Messages[0]
	return m.Role == translate.RoleUser && strings.TrimSpace(string(m.Content)) == "Hi"
}
