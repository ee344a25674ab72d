package transport

import (
	"bufio"
	"io"
	"strings"
)

const doneSentinel = "[DONE]"

// SSEReader extracts data payloads from a Server-Sent-Events byte stream.
// Partial lines are buffered across reads. Consecutive data lines of one
// event are joined with "\n" and dispatched on the blank line that ends the
// event; comments, empty events and [DONE] are dropped.
type SSEReader struct {
	r       *bufio.Reader
	event   string
	pending string
	data    []string
}

// NewSSEReader wraps r.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Event returns the "event:" field of the payload last returned by Next.
func (s *SSEReader) Event() string {
	return s.event
}

// Next returns the next data payload, or io.EOF when the stream ends. An
// event cut off by EOF is still returned when it carries data.
func (s *SSEReader) Next() (string, error) {
	for {
		line, err := s.r.ReadString('\n')
		if line == "" && err != nil {
			if payload, ok := s.dispatch(); ok {
				return payload, nil
			}
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if payload, ok := s.dispatch(); ok {
				return payload, nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimPrefix(line, "data:")
			s.data = append(s.data, strings.TrimPrefix(payload, " "))
		case strings.HasPrefix(line, "event:"):
			s.pending = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}

		if err != nil {
			if payload, ok := s.dispatch(); ok {
				return payload, nil
			}
			return "", err
		}
	}
}

// dispatch ends the current event and reports its payload, if any.
func (s *SSEReader) dispatch() (string, bool) {
	payload := strings.Join(s.data, "\n")
	event := s.pending
	s.data = s.data[:0]
	s.pending = ""
	if payload == "" || payload == doneSentinel {
		return "", false
	}
	s.event = event
	return payload, true
}
