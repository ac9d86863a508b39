// Package hl7 extracts header fields from HL7 v2 messages. It is not a full
// parser: the pipeline only needs routing metadata when persisting bot input.
package hl7

import (
	"fmt"
	"strings"
)

// Message is a minimally parsed HL7 v2 message.
type Message struct {
	segments map[string][]string // segment name -> pipe-separated fields
	raw      string
}

// Parse splits an HL7 v2 message into segments. The message must start with
// an MSH segment.
func Parse(raw string) (*Message, error) {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, "\r\n", "\r"))
	if !strings.HasPrefix(raw, "MSH|") {
		return nil, fmt.Errorf("not an HL7 message: missing MSH header")
	}
	lines := strings.FieldsFunc(raw, func(r rune) bool { return r == '\r' || r == '\n' })
	segments := make(map[string][]string, len(lines))
	for _, line := range lines {
		fields := strings.Split(line, "|")
		name := fields[0]
		if _, seen := segments[name]; !seen {
			segments[name] = fields
		}
	}
	return &Message{segments: segments, raw: raw}, nil
}

// Field returns segment field n (1-based, HL7 numbering). In MSH the field
// separator itself counts as MSH-1, so MSH-3 is the sending application.
func (m *Message) Field(segment string, n int) string {
	fields, ok := m.segments[segment]
	if !ok || n < 1 {
		return ""
	}
	idx := n
	if segment == "MSH" {
		if n == 1 {
			return "|"
		}
		idx = n - 1
	}
	if idx >= len(fields) {
		return ""
	}
	return fields[idx]
}

// Component returns component c (1-based) of segment field n.
func (m *Message) Component(segment string, n, c int) string {
	field := m.Field(segment, n)
	if field == "" || c < 1 {
		return ""
	}
	components := strings.Split(field, "^")
	if c > len(components) {
		return ""
	}
	return components[c-1]
}

// String returns the raw message text.
func (m *Message) String() string {
	return m.raw
}
