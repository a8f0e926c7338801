// Package bus implements AgentBus, the typed message-passing primitive
// agents and the WorkflowEngine use to talk to each other.
//
// The wire shape is grounded on the teacher's workflow/subjects.go, which
// pairs each domain event with its own typed NATS subject
// (natsclient.NewSubject[T]) instead of routing untyped payloads through one
// channel. AgentCompany's design note #9 asks for the same idea applied to
// message payloads themselves: Payload is a closed sum of typed variants
// rather than a map[string]any, so a bad payload is a compile error instead
// of a runtime one.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/agentcompany/ids"
)

// MessageType identifies which Payload variant a Message carries.
type MessageType string

const (
	TypeTaskAssign       MessageType = "task_assign"
	TypeTaskResult       MessageType = "task_result"
	TypeReviewRequest    MessageType = "review_request"
	TypeReviewResponse   MessageType = "review_response"
	TypeConflictEscalate MessageType = "conflict_escalate"
	TypeMeetingInvite    MessageType = "meeting_invite"
	TypeMeetingStatement MessageType = "meeting_statement"
)

// Payload is implemented by every typed message body AgentBus can carry.
type Payload interface {
	Type() MessageType
}

// TaskAssign dispatches a subtask to a worker.
type TaskAssign struct {
	TicketID    string `json:"ticketId"`
	WorkerType  string `json:"workerType"`
	Description string `json:"description"`
	Workspace   string `json:"workspace"`
}

func (TaskAssign) Type() MessageType { return TypeTaskAssign }

// TaskResult reports a worker's outcome for a subtask.
type TaskResult struct {
	TicketID string   `json:"ticketId"`
	Success  bool     `json:"success"`
	Output   string   `json:"output"`
	Errors   []string `json:"errors,omitempty"`
	Branch   string   `json:"branch,omitempty"`
	Commits  []string `json:"commits,omitempty"`
}

func (TaskResult) Type() MessageType { return TypeTaskResult }

// ReviewRequest asks a reviewer agent to look at a subtask's output.
type ReviewRequest struct {
	TicketID  string   `json:"ticketId"`
	WorkerID  string   `json:"workerId"`
	Branch    string   `json:"branch"`
	Artifacts []string `json:"artifacts"`
}

func (ReviewRequest) Type() MessageType { return TypeReviewRequest }

// ReviewResponse carries a reviewer's decision.
type ReviewResponse struct {
	TicketID string `json:"ticketId"`
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

func (ReviewResponse) Type() MessageType { return TypeReviewResponse }

// ConflictEscalate raises a disagreement a meeting could not resolve.
type ConflictEscalate struct {
	Topic  string `json:"topic"`
	Detail string `json:"detail"`
}

func (ConflictEscalate) Type() MessageType { return TypeConflictEscalate }

// MeetingInvite asks an agent to join a MeetingCoordinator session.
type MeetingInvite struct {
	MeetingID string `json:"meetingId"`
	Topic     string `json:"topic"`
}

func (MeetingInvite) Type() MessageType { return TypeMeetingInvite }

// MeetingStatement is one agent's contribution to a meeting.
type MeetingStatement struct {
	MeetingID string `json:"meetingId"`
	Text      string `json:"text"`
}

func (MeetingStatement) Type() MessageType { return TypeMeetingStatement }

// Message is the envelope AgentBus delivers. Type/From/To are required:
// Send rejects a Message missing any of them with ErrInvalidMessage. An
// empty ID (or Timestamp) is filled in by Send rather than rejected.
type Message struct {
	ID        string
	Type      MessageType
	From      string
	To        string
	Payload   Payload
	Timestamp time.Time
}

// ErrInvalidMessage is returned by Send when a required field is empty.
var ErrInvalidMessage = errors.New("bus: invalid message")

// Bus is the AgentBus contract: at-least-once delivery to the addressed
// agent, FIFO ordering per (from, to) pair, no ordering guarantee across
// pairs.
type Bus interface {
	// Send delivers msg to msg.To. It fills in ID and Timestamp if unset.
	Send(ctx context.Context, msg Message) error

	// Poll blocks until at least one message for agentID is available or
	// timeout elapses, returning the batch FIFO by send order. A zero
	// timeout means return immediately with whatever is queued.
	Poll(ctx context.Context, agentID string, timeout time.Duration) ([]Message, error)
}

// validate checks the Send contract's required fields.
func validate(msg Message) error {
	if msg.Type == "" || msg.From == "" || msg.To == "" {
		return fmt.Errorf("%w: type, from and to are required", ErrInvalidMessage)
	}
	if msg.Payload != nil && msg.Payload.Type() != msg.Type {
		return fmt.Errorf("%w: payload type %q does not match message type %q", ErrInvalidMessage, msg.Payload.Type(), msg.Type)
	}
	return nil
}

func fillDefaults(msg *Message) {
	if msg.ID == "" {
		msg.ID = ids.NewMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
}
