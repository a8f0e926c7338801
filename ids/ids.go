// Package ids provides the clock abstraction and identifier generators used
// throughout AgentCompany.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock is a monotonic time source. Production code uses SystemClock; tests
// inject a FakeClock for deterministic phaseHistory timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real wall-clock implementation of Clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FakeClock is a deterministic Clock for tests. Advance moves it forward.
type FakeClock struct {
	t time.Time
}

// NewFakeClock returns a FakeClock starting at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{t: t.UTC()}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time { return c.t }

// Advance moves the fake clock forward by d and returns the new time.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.t = c.t.Add(d)
	return c.t
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is unrecoverable; fall back to a uuid-derived
		// value rather than panicking.
		u := uuid.New()
		return hex.EncodeToString(u[:n])
	}
	return hex.EncodeToString(b)
}

// NewWorkflowID returns a new WorkflowId of the form wf-<8hex>.
func NewWorkflowID() string {
	return fmt.Sprintf("wf-%s", randomHex(4))
}

// NewRunID returns a new RunId of the form run-<ts>-<rand>, unique and
// monotonic-ish under clock.
func NewRunID(clock Clock) string {
	ts := strconv.FormatInt(clock.Now().UnixNano(), 36)
	return fmt.Sprintf("run-%s-%s", ts, randomHex(3))
}

// NewAgentID returns a new opaque AgentId.
func NewAgentID() string {
	return fmt.Sprintf("agent-%s", shortUUID())
}

// NewTicketID returns a new opaque TicketId.
func NewTicketID() string {
	return fmt.Sprintf("tkt-%s", shortUUID())
}

// NewTaskID returns a new opaque TaskId.
func NewTaskID() string {
	return fmt.Sprintf("task-%s", shortUUID())
}

// NewWorkerID returns a new opaque worker identifier.
func NewWorkerID() string {
	return fmt.Sprintf("worker-%s", shortUUID())
}

// NewMessageID returns a new opaque AgentBus message identifier.
func NewMessageID() string {
	return fmt.Sprintf("msg-%s", shortUUID())
}

func shortUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
