package store

import (
	"errors"
	"time"

	"outreach/internal/domain"
	"outreach/internal/eligibility"
)

// DueQuery asks for up to Limit conversations eligible at Now under Rules.
type DueQuery struct {
	Now   time.Time
	Limit int
	Rules eligibility.Rules
}

// Advance moves one conversation from From to To and stamps last_activity.
// The write only applies while the conversation is still in From.
type Advance struct {
	ID   int64
	From domain.State
	To   domain.State
	Now  time.Time
}

// Failure records a failed agent call for a conversation still in State.
// The state itself is left alone.
type Failure struct {
	ID    int64
	State domain.State
	At    time.Time
}

var ErrNotFound = errors.New("conversation not found")
