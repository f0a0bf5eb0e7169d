package backend

import (
	"bufio"
	"io"
	"strings"
)

// Event is one server-sent event.
type Event struct {
	Type string
	Data string
}

// SSEScanner reads server-sent events. Events end at a blank line; multiple
// data lines are joined with "\n"; comments and unknown fields are ignored.
type SSEScanner struct {
	reader  *bufio.Reader
	current Event
	err     error
}

func NewSSEScanner(r io.Reader) *SSEScanner {
	return &SSEScanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next event. It returns false at EOF or on error; see Err.
func (s *SSEScanner) Next() bool {
	if s.err != nil {
		return false
	}

	s.current = Event{}

	var dataLines []string
	var eventType string
	hasData := false

	emit := func() {
		s.current = Event{Type: eventType, Data: strings.Join(dataLines, "\n")}
	}

	for {
		line, err := s.reader.ReadString('\n')

		if err != nil && line == "" {
			s.err = err
			if err == io.EOF && hasData {
				emit()
				return true
			}
			return false
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				emit()
				return true
			}
			eventType = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			dataLines = append(dataLines, value)
			hasData = true
		case "event":
			eventType = value
		}
	}
}

func (s *SSEScanner) Event() Event {
	return s.current
}

// Err returns the error that stopped the scanner, or nil on clean EOF.
func (s *SSEScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
