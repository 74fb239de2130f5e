package envelope

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Encoder writes envelopes for worker implementations. It is safe for
// concurrent use; each envelope is written with a single Write call.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Message(content, sender string) error {
	data, err := json.Marshal(AgentMessage{Content: content, Sender: sender})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return e.write(tagMessage, string(data))
}

func (e *Encoder) Progress(n int) error {
	if n < 0 || n > 100 {
		return fmt.Errorf("progress out of range: %d", n)
	}
	return e.write(tagProgress, fmt.Sprint(n))
}

func (e *Encoder) Result(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return e.write(tagResult, string(data))
}

// Text writes a free-form log line.
func (e *Encoder) Text(s string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := io.WriteString(e.w, s+"\n")
	return err
}

func (e *Encoder) write(tag, payload string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := io.WriteString(e.w, openTag(tag)+payload+closeTag(tag)+"\n")
	return err
}
