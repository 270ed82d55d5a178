// Package transition holds the outreach state machine as data.
package transition

import (
	"fmt"
	"sort"
	"strconv"

	"outreach/internal/domain"
	"outreach/internal/eligibility"
	"outreach/internal/util"
)

// Step is what happens to a conversation that is due in a given state.
type Step struct {
	// Instruction is a template; see Render.
	Instruction string
	Next        domain.State
	// External is true when the messaging agent must be called before the
	// transition is persisted.
	External bool
}

// None reports whether the step means "no action, no transition".
func (s Step) None() bool { return s.Next == "" }

// Render fills {hours}, {minutes} and {name} for the candidate.
func (s Step) Render(c domain.Candidate) string {
	return util.RenderTemplate(s.Instruction, map[string]string{
		"hours":   strconv.FormatInt(c.ElapsedHours(), 10),
		"minutes": strconv.FormatInt(c.ElapsedMinutes(), 10),
		"name":    c.Label(),
	})
}

type Table struct {
	steps map[domain.State]Step
}

const (
	instrInitial = "This is a NEW lead. Send an initial friendly outreach message introduction."
	instrFollow  = "User hasn't replied in {hours} hours. Review history and send a polite follow-up."
	instrLast    = "User hasn't replied in {hours} hours. Review history and send a short final follow-up that leaves the door open."
	instrVetting = "The lead showed interest but hasn't answered in {hours} hours. Review history and gently nudge them to finish the vetting questions."
)

// Default is the production sequence. Exhausting a sequence moves the
// conversation to STALE without sending anything.
func Default() Table {
	return New(map[domain.State]Step{
		domain.StateNew:           {Instruction: instrInitial, Next: domain.StateSentHook, External: true},
		domain.StateSentHook:      {Instruction: instrFollow, Next: domain.StateSentFU1, External: true},
		domain.StateSentFU1:       {Instruction: instrFollow, Next: domain.StateSentFU2, External: true},
		domain.StateSentFU2:       {Instruction: instrLast, Next: domain.StateSentFU3, External: true},
		domain.StateSentFU3:       {Next: domain.StateStale},
		domain.StateInterested:    {Instruction: instrVetting, Next: domain.StateVettingNudge1, External: true},
		domain.StateVettingNudge1: {Instruction: instrVetting, Next: domain.StateVettingNudge2, External: true},
		domain.StateVettingNudge2: {Next: domain.StateStale},
		domain.StateSentBallpark:  {Next: domain.StateStale},
	})
}

func New(steps map[domain.State]Step) Table {
	t := Table{steps: make(map[domain.State]Step, len(steps))}
	for s, st := range steps {
		t.steps[s] = st
	}
	return t
}

// Lookup is total: terminal and unmapped states yield the zero Step.
func (t Table) Lookup(s domain.State) Step {
	if s.Terminal() {
		return Step{}
	}
	return t.steps[s]
}

// Entry is one row of the table, used for listing.
type Entry struct {
	From        domain.State `json:"from"`
	Next        domain.State `json:"next"`
	External    bool         `json:"external"`
	Instruction string       `json:"instruction,omitempty"`
}

func (t Table) Entries() []Entry {
	out := make([]Entry, 0, len(t.steps))
	for s, st := range t.steps {
		out = append(out, Entry{From: s, Next: st.Next, External: st.External, Instruction: st.Instruction})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out
}

// Validate checks the table against the eligibility rules: every selectable
// state needs a step that leaves it, and external steps need an instruction.
func (t Table) Validate(rules eligibility.Rules) error {
	for _, s := range rules.States() {
		st := t.Lookup(s)
		if st.None() {
			return fmt.Errorf("state %s is selectable but has no transition", s)
		}
		if st.Next == s {
			return fmt.Errorf("state %s transitions to itself", s)
		}
		if !st.Next.Valid() {
			return fmt.Errorf("state %s: %w: %q", s, domain.ErrUnknownState, st.Next)
		}
		if st.External && st.Instruction == "" {
			return fmt.Errorf("state %s calls the agent without an instruction", s)
		}
	}
	return nil
}
