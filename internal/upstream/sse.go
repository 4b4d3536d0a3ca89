package upstream

import (
	"bufio"
	"io"
	"strings"
)

type event struct {
	Type string
	Data string
}

// sseScanner reads server-sent events. Events end at a blank line; data
// lines are joined with "\n" and comment lines are skipped.
type sseScanner struct {
	reader  *bufio.Reader
	current event
	err     error
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

func (s *sseScanner) Next() bool {
	if s.err != nil {
		return false
	}
	s.current = event{}

	var (
		data      []string
		eventType string
		hasData   bool
	)
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			s.err = err
			if err == io.EOF && hasData {
				s.current = event{Type: eventType, Data: strings.Join(data, "\n")}
				return true
			}
			return false
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				s.current = event{Type: eventType, Data: strings.Join(data, "\n")}
				return true
			}
			eventType = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if !ok {
			field, value = line, ""
		}
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			eventType = value
		}
	}
}

func (s *sseScanner) Event() event { return s.current }

// Err returns the read error that stopped the scanner, or nil at EOF.
func (s *sseScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
