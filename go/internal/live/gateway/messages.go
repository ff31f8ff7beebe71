package gateway

import (
	"encoding/json"
	"time"

	"github.com/mcdev12/liftlive/go/internal/models"
)

// MessageType names what a pushed message carries.
type MessageType string

const (
	MessageTypeSession    MessageType = "session"
	MessageTypeAttempt    MessageType = "attempt"
	MessageTypeTimer      MessageType = "timer"
	MessageTypeVoteResult MessageType = "vote_result"
	MessageTypeError      MessageType = "error"
)

// Message is the frame pushed to displays and consoles.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// CommandType names a client request.
type CommandType string

const (
	CommandVote CommandType = "vote"
)

// Command is a request sent by a connected client.
type Command struct {
	Type      CommandType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	AttemptID string      `json:"attempt_id,omitempty"`
	JudgeID   string      `json:"judge_id,omitempty"`
	Position  int         `json:"position,omitempty"`
	Vote      models.Vote `json:"vote,omitempty"`
}

// ErrorData is the payload of an error message.
type ErrorData struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// VoteResultData is the payload of a vote_result message.
type VoteResultData struct {
	RequestID   string `json:"request_id,omitempty"`
	AttemptID   string `json:"attempt_id"`
	IsCompleted bool   `json:"is_completed"`
	IsValid     bool   `json:"is_valid"`
	Corrected   bool   `json:"corrected"`
}
