package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

type State string

const (
	StateNew           State = "NEW"
	StateSentHook      State = "SENT_HOOK"
	StateSentFU1       State = "SENT_FU_1"
	StateSentFU2       State = "SENT_FU_2"
	StateSentFU3       State = "SENT_FU_3"
	StateInterested    State = "INTERESTED"
	StateVettingNudge1 State = "VETTING_NUDGE_1"
	StateVettingNudge2 State = "VETTING_NUDGE_2"
	StateSentBallpark  State = "SENT_BALLPARK"
	StateDead          State = "DEAD"
	StateArchived      State = "ARCHIVED"
	StateFunded        State = "FUNDED"
	StateStale         State = "STALE"
	StateFCSQueue      State = "FCS_QUEUE"
)

var allStates = []State{
	StateNew, StateSentHook, StateSentFU1, StateSentFU2, StateSentFU3,
	StateInterested, StateVettingNudge1, StateVettingNudge2, StateSentBallpark,
	StateDead, StateArchived, StateFunded, StateStale, StateFCSQueue,
}

// Terminal reports whether no automatic action is ever taken from s.
func (s State) Terminal() bool {
	switch s {
	case StateDead, StateArchived, StateFunded, StateStale, StateFCSQueue:
		return true
	}
	return false
}

func (s State) Valid() bool {
	for _, v := range allStates {
		if s == v {
			return true
		}
	}
	return false
}

var ErrUnknownState = errors.New("unknown conversation state")

func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, raw)
	}
	return s, nil
}

// States returns every defined state, non-terminal first.
func States() []State {
	out := make([]State, len(allStates))
	copy(out, allStates)
	return out
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Conversation struct {
	ID           int64
	LeadPhone    string
	BusinessName string
	State        State
	CreatedAt    time.Time
	LastActivity *time.Time
	// FailedAttempts counts agent failures in the current state. It is reset
	// when the conversation advances.
	FailedAttempts int
	LastAttemptAt  *time.Time
}

// Label is the human readable name used in logs and instructions.
func (c Conversation) Label() string {
	if c.BusinessName != "" {
		return c.BusinessName
	}
	return c.LeadPhone
}

// Candidate is a conversation selected for the next outreach step.
type Candidate struct {
	Conversation
	// ReferenceAt is the moment the state's waiting period is measured from.
	ReferenceAt time.Time
	Elapsed     time.Duration
}

func (c Candidate) ElapsedHours() int64 {
	return int64(math.Round(c.Elapsed.Hours()))
}

func (c Candidate) ElapsedMinutes() int64 {
	return int64(math.Round(c.Elapsed.Minutes()))
}

type AgentAction string

const (
	ActionSent   AgentAction = "sent"
	ActionSilent AgentAction = "silent"
)

// AgentResult is what the messaging agent reports for one trigger.
type AgentResult struct {
	Action    AgentAction `json:"action"`
	ReplyText string      `json:"reply_text,omitempty"`
}
