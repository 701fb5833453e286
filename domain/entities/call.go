package entities

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// CallState represents the lifecycle state of a bridged call
type CallState string

const (
	CallStateHandshake   CallState = "handshake"
	CallStateActive      CallState = "active"
	CallStateInterrupted CallState = "interrupted"
	CallStateClosing     CallState = "closing"
	CallStateClosed      CallState = "closed"
	CallStateFailed      CallState = "failed"
)

// ErrInvalidTransition is returned when a state change is not allowed
var ErrInvalidTransition = errors.New("invalid call state transition")

// allowedTransitions lists the states reachable from each state.
var allowedTransitions = map[CallState][]CallState{
	CallStateHandshake:   {CallStateActive, CallStateFailed},
	CallStateActive:      {CallStateInterrupted, CallStateClosing, CallStateFailed},
	CallStateInterrupted: {CallStateActive, CallStateClosing, CallStateFailed},
	CallStateClosing:     {CallStateClosed, CallStateFailed},
}

// IsTerminal reports whether no further transition can leave the state
func (s CallState) IsTerminal() bool {
	return s == CallStateClosed || s == CallStateFailed
}

// CanTransition reports whether moving from s to next is allowed
func (s CallState) CanTransition(next CallState) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CallSession represents one phone call bridged to the speech model.
// State and identifiers are guarded by a mutex owned by the session;
// counters are atomic so both pumps can update them.
type CallSession struct {
	ConnectionID string
	StartedAt    time.Time

	mu       sync.RWMutex
	callID   string
	callerID string
	state    CallState
	endedAt  time.Time

	framesIn       atomic.Int64
	framesOut      atomic.Int64
	bytesIn        atomic.Int64
	bytesOut       atomic.Int64
	turnsCompleted atomic.Int64
	interruptions  atomic.Int64
}

// NewCallSession creates a new call session in the handshake state
func NewCallSession(connectionID string) *CallSession {
	return &CallSession{
		ConnectionID: connectionID,
		StartedAt:    time.Now(),
		state:        CallStateHandshake,
	}
}

// Identify records the call metadata received during the handshake
func (c *CallSession) Identify(meta HandshakeMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callID = meta.CallID
	c.callerID = meta.CallerID
}

// CallID returns the telephony call identifier
func (c *CallSession) CallID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callID
}

// CallerID returns the caller identifier
func (c *CallSession) CallerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callerID
}

// State returns the current lifecycle state
func (c *CallSession) State() CallState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Transition moves the session to next, rejecting moves the state machine
// does not allow.
func (c *CallSession) Transition(next CallState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, next)
	}
	c.state = next
	if next.IsTerminal() {
		c.endedAt = time.Now()
	}
	return nil
}

// TransitionIf moves the session to next only when it is currently in from.
// It reports whether the transition happened.
func (c *CallSession) TransitionIf(from, next CallState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != from || !from.CanTransition(next) {
		return false
	}
	c.state = next
	if next.IsTerminal() {
		c.endedAt = time.Now()
	}
	return true
}

// Accepting reports whether frames may still flow through the session
func (c *CallSession) Accepting() bool {
	state := c.State()
	return state == CallStateActive || state == CallStateInterrupted
}

// RecordInbound counts a caller frame forwarded to the model
func (c *CallSession) RecordInbound(bytes int) {
	c.framesIn.Add(1)
	c.bytesIn.Add(int64(bytes))
}

// RecordOutbound counts a model frame written to the caller
func (c *CallSession) RecordOutbound(bytes int) {
	c.framesOut.Add(1)
	c.bytesOut.Add(int64(bytes))
}

// RecordTurnCompleted counts a finished model turn
func (c *CallSession) RecordTurnCompleted() {
	c.turnsCompleted.Add(1)
}

// RecordInterruption counts a barge-in
func (c *CallSession) RecordInterruption() {
	c.interruptions.Add(1)
}

// TurnsCompleted returns the number of model turns that finished normally
func (c *CallSession) TurnsCompleted() int64 {
	return c.turnsCompleted.Load()
}

// CallSnapshot is a point-in-time copy of a call session
type CallSnapshot struct {
	ConnectionID   string    `json:"connection_id"`
	CallID         string    `json:"call_id"`
	CallerID       string    `json:"caller_id"`
	State          CallState `json:"state"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
	FramesIn       int64     `json:"frames_in"`
	FramesOut      int64     `json:"frames_out"`
	BytesIn        int64     `json:"bytes_in"`
	BytesOut       int64     `json:"bytes_out"`
	TurnsCompleted int64     `json:"turns_completed"`
	Interruptions  int64     `json:"interruptions"`
}

// Snapshot returns a copy of the session safe to share with other goroutines
func (c *CallSession) Snapshot() CallSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CallSnapshot{
		ConnectionID:   c.ConnectionID,
		CallID:         c.callID,
		CallerID:       c.callerID,
		State:          c.state,
		StartedAt:      c.StartedAt,
		EndedAt:        c.endedAt,
		FramesIn:       c.framesIn.Load(),
		FramesOut:      c.framesOut.Load(),
		BytesIn:        c.bytesIn.Load(),
		BytesOut:       c.bytesOut.Load(),
		TurnsCompleted: c.turnsCompleted.Load(),
		Interruptions:  c.interruptions.Load(),
	}
}

// Duration returns how long the call has lasted so far
func (c *CallSession) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.endedAt.IsZero() {
		return c.endedAt.Sub(c.StartedAt)
	}
	return time.Since(c.StartedAt)
}
