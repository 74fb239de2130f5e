package ws

import (
	"time"

	"github.com/zerverless/analysisd/internal/job"
)

const (
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypeHeartbeat    = "heartbeat"
	TypeJobUpdate    = "job_update"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeError        = "error"
)

type BaseMessage struct {
	Type string `json:"type"`
}

// Client → Server

type JoinMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

type LeaveMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

type HeartbeatMessage struct {
	Type string `json:"type"`
}

// Server → Client

type JobUpdateMessage struct {
	Type  string   `json:"type"`
	JobID string   `json:"job_id"`
	Job   *job.Job `json:"job"`
}

type HeartbeatAckMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
