// Package envelope implements the line framing workers use to report
// structured state on stdout.
//
// Each envelope occupies exactly one line:
//
//	[AGENT_MSG]{"content":"...","sender":"agent"}[/AGENT_MSG]
//	[PROGRESS]42[/PROGRESS]
//	[RESULT]{"summary":"..."}[/RESULT]
//
// Multi-line content travels as JSON string escapes. Any line that does not
// start with an opening tag is free-form text.
package envelope

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Kind int

const (
	KindText Kind = iota
	KindMessage
	KindProgress
	KindResult
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindProgress:
		return "progress"
	case KindResult:
		return "result"
	}
	return "text"
}

const (
	tagMessage  = "AGENT_MSG"
	tagProgress = "PROGRESS"
	tagResult   = "RESULT"
)

func openTag(tag string) string  { return "[" + tag + "]" }
func closeTag(tag string) string { return "[/" + tag + "]" }

type AgentMessage struct {
	Content string `json:"content"`
	Sender  string `json:"sender,omitempty"`
}

// Envelope is one decoded line. Only the field matching Kind is set.
type Envelope struct {
	Kind     Kind
	Text     string
	Message  AgentMessage
	Progress int
	Result   json.RawMessage
}

// ParseError describes a line that looked like an envelope but could not be
// decoded. It never aborts decoding.
type ParseError struct {
	Line   int
	Tag    string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Tag == "" {
		return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("line %d: malformed %s envelope: %s", e.Line, e.Tag, e.Reason)
}

// Parse decodes a single line without its terminator.
func Parse(line string) (Envelope, error) {
	s := strings.TrimSpace(line)
	for _, tag := range []string{tagMessage, tagProgress, tagResult} {
		if strings.HasPrefix(s, openTag(tag)) {
			return parseTagged(tag, s)
		}
	}
	return Envelope{Kind: KindText, Text: line}, nil
}

func parseTagged(tag, s string) (Envelope, error) {
	fail := func(reason string) (Envelope, error) {
		return Envelope{}, &ParseError{Tag: tag, Reason: reason}
	}

	if !strings.HasSuffix(s, closeTag(tag)) {
		return fail("missing closing tag")
	}
	payload := strings.TrimSpace(s[len(openTag(tag)) : len(s)-len(closeTag(tag))])

	switch tag {
	case tagMessage:
		var m AgentMessage
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return fail(fmt.Sprintf("invalid json: %v", err))
		}
		if strings.TrimSpace(m.Content) == "" {
			return fail("empty content")
		}
		return Envelope{Kind: KindMessage, Message: m}, nil

	case tagProgress:
		n, err := strconv.Atoi(payload)
		if err != nil {
			return fail(fmt.Sprintf("not an integer: %q", payload))
		}
		if n < 0 || n > 100 {
			return fail(fmt.Sprintf("out of range: %d", n))
		}
		return Envelope{Kind: KindProgress, Progress: n}, nil

	default:
		if !strings.HasPrefix(payload, "{") || !json.Valid([]byte(payload)) {
			return fail("payload is not a json object")
		}
		return Envelope{Kind: KindResult, Result: json.RawMessage(payload)}, nil
	}
}
