package streaming

import (
	"bytes"

	"github.com/zgate-dev/zgate/pkg/anthropic"
)

var dataPrefix = []byte("data:")

// usageSniffer reassembles SSE lines out of arbitrary byte chunks and feeds
// data payloads to the usage scanner. It also captures the head of the body
// so a non-streaming JSON response yields usage too. Both paths are bounded:
// a line longer than the cap is skipped and the head capture stops at the
// cap.
type usageSniffer struct {
	limit    int
	scanner  anthropic.UsageScanner
	carry    []byte
	skipping bool
	head     []byte
}

func newUsageSniffer(limit int) *usageSniffer {
	if limit <= 0 {
		limit = MaxSniffBuffer
	}
	return &usageSniffer{limit: limit}
}

func (s *usageSniffer) feed(chunk []byte) {
	if len(s.head) < s.limit {
		room := s.limit - len(s.head)
		if room > len(chunk) {
			room = len(chunk)
		}
		s.head = append(s.head, chunk[:room]...)
	}

	data := chunk
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := data[:i]
		data = data[i+1:]

		// A newline ends an oversized line; resume with the next one.
		if s.skipping {
			s.skipping = false
			continue
		}
		if len(s.carry) > 0 {
			s.carry = append(s.carry, line...)
			s.line(s.carry)
			s.carry = s.carry[:0]
			continue
		}
		s.line(line)
	}

	if s.skipping {
		return
	}
	if len(s.carry)+len(data) > s.limit {
		s.skipping = true
		s.carry = s.carry[:0]
		return
	}
	s.carry = append(s.carry, data...)
}

func (s *usageSniffer) line(line []byte) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, dataPrefix) {
		return
	}
	s.scanner.Scan(bytes.TrimSpace(line[len(dataPrefix):]))
}

// finish flushes an unterminated final line and reports the sniffed usage.
// Streamed usage events win; otherwise the captured head is tried as a
// single JSON body.
func (s *usageSniffer) finish() (anthropic.Usage, bool) {
	if !s.skipping && len(s.carry) > 0 {
		s.line(s.carry)
		s.carry = s.carry[:0]
	}
	if usage, ok := s.scanner.Usage(); ok {
		return usage, true
	}
	if len(s.head) > 0 {
		if usage, ok := anthropic.ParseResponseUsage(s.head); ok {
			return usage, true
		}
	}
	return anthropic.Usage{}, false
}
