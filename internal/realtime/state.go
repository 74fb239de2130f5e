package realtime

import (
	"fmt"

	"github.com/zerverless/analysisd/internal/job"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// View is what an observer sees. Connection health (State, ConnError,
// GaveUp) is kept apart from the persisted outcome in Job.Status and
// Job.Error.
type View struct {
	State State `json:"state"`
	// Job is the latest reconciled snapshot, nil until the first one arrives.
	Job  *job.Job      `json:"job,omitempty"`
	Logs []job.Message `json:"logs"`

	Online            bool  `json:"online"`
	WaitingForNetwork bool  `json:"waiting_for_network"`
	GaveUp            bool  `json:"gave_up"`
	Attempts          int   `json:"attempts"`
	ConnError         error `json:"-"`
}

func (v View) clone() View {
	c := v
	c.Job = v.Job.Clone()
	c.Logs = append([]job.Message(nil), v.Logs...)
	return c
}

// TransportError is a push channel fault. It triggers a reconnect and never
// changes job state.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RetriesExhaustedError is the client giving up on the push channel. Polling
// continues; only the observer sees this.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("gave up reconnecting after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}
