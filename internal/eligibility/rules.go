// Package eligibility decides which conversations are due for their next
// outreach step. The same rules are evaluated in Go (Evaluate, Select) and
// compiled into SQL by the Postgres store.
package eligibility

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"outreach/internal/domain"
)

type Rules struct {
	// Windows is the minimum time a conversation must wait in a state before
	// it is eligible again. States without a window are never selected.
	Windows map[domain.State]time.Duration
	// Cooldown excludes conversations the dispatcher touched recently,
	// whatever their state window says.
	Cooldown time.Duration
	// RetryBackoff is how long a conversation whose agent call failed sits
	// out before it is tried again. It doubles per consecutive failure, up to
	// 1<<MaxBackoffShift times the base.
	RetryBackoff time.Duration
}

const MaxBackoffShift = 6

func DefaultRules() Rules {
	return Rules{
		Windows: map[domain.State]time.Duration{
			domain.StateNew:           5 * time.Minute,
			domain.StateSentHook:      20 * time.Minute,
			domain.StateSentFU1:       45 * time.Minute,
			domain.StateSentFU2:       4 * time.Hour,
			domain.StateSentFU3:       24 * time.Hour,
			domain.StateInterested:    20 * time.Minute,
			domain.StateVettingNudge1: 2 * time.Hour,
			domain.StateVettingNudge2: 6 * time.Hour,
			domain.StateSentBallpark:  72 * time.Hour,
		},
		Cooldown:     10 * time.Minute,
		RetryBackoff: 30 * time.Minute,
	}
}

// Window returns the waiting period for s. Terminal states never have one.
func (r Rules) Window(s domain.State) (time.Duration, bool) {
	if s.Terminal() {
		return 0, false
	}
	w, ok := r.Windows[s]
	return w, ok
}

// States lists the selectable states in a stable order.
func (r Rules) States() []domain.State {
	out := make([]domain.State, 0, len(r.Windows))
	for s := range r.Windows {
		if s.Terminal() {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r Rules) Validate() error {
	if r.Cooldown < 0 {
		return errors.New("cooldown must not be negative")
	}
	if r.RetryBackoff < 0 {
		return errors.New("retry backoff must not be negative")
	}
	for s, w := range r.Windows {
		if !s.Valid() {
			return fmt.Errorf("%w: %q", domain.ErrUnknownState, s)
		}
		if w < 0 {
			return fmt.Errorf("window for %s must not be negative", s)
		}
	}
	return nil
}

// WithOverrides returns a copy of r with the given windows replaced.
func (r Rules) WithOverrides(overrides map[domain.State]time.Duration) Rules {
	out := Rules{
		Windows:      make(map[domain.State]time.Duration, len(r.Windows)),
		Cooldown:     r.Cooldown,
		RetryBackoff: r.RetryBackoff,
	}
	for s, w := range r.Windows {
		out.Windows[s] = w
	}
	for s, w := range overrides {
		out.Windows[s] = w
	}
	return out
}

// ParseWindows reads "STATE=duration" pairs separated by commas,
// e.g. "SENT_HOOK=20m,SENT_FU_2=4h".
func ParseWindows(raw string) (map[domain.State]time.Duration, error) {
	out := map[domain.State]time.Duration{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid window %q: want STATE=duration", part)
		}
		s, err := domain.ParseState(strings.ToUpper(strings.TrimSpace(name)))
		if err != nil {
			return nil, err
		}
		if s.Terminal() {
			return nil, fmt.Errorf("terminal state %s cannot have a window", s)
		}
		d, err := time.ParseDuration(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf("invalid window for %s: %w", s, err)
		}
		out[s] = d
	}
	return out, nil
}

// Snapshot is a conversation plus the message facts eligibility depends on.
type Snapshot struct {
	Conversation   domain.Conversation
	LastOutboundAt *time.Time
	// LastDirection is the direction of the most recent message, empty when
	// the conversation has none.
	LastDirection domain.Direction
}

// ReferenceAt is the point the state's window is measured from. NEW counts
// from the last touch or creation; every other state from the last outbound
// message, falling back to the last touch when the agent stayed silent.
func ReferenceAt(s Snapshot) time.Time {
	c := s.Conversation
	if c.State != domain.StateNew && s.LastOutboundAt != nil {
		return *s.LastOutboundAt
	}
	if c.LastActivity != nil {
		return *c.LastActivity
	}
	return c.CreatedAt
}

// Evaluate applies the rules to one snapshot.
func (r Rules) Evaluate(s Snapshot, now time.Time) (domain.Candidate, bool) {
	c := s.Conversation
	window, ok := r.Window(c.State)
	if !ok {
		return domain.Candidate{}, false
	}
	// lead replied; the agent owns the conversation until it moves the state
	if s.LastDirection == domain.DirectionInbound {
		return domain.Candidate{}, false
	}
	if c.LastActivity != nil && now.Sub(*c.LastActivity) < r.Cooldown {
		return domain.Candidate{}, false
	}
	if c.LastAttemptAt != nil && now.Sub(*c.LastAttemptAt) < r.Backoff(c.FailedAttempts) {
		return domain.Candidate{}, false
	}
	ref := ReferenceAt(s)
	elapsed := now.Sub(ref)
	if elapsed < window {
		return domain.Candidate{}, false
	}
	return domain.Candidate{Conversation: c, ReferenceAt: ref, Elapsed: elapsed}, true
}

// Backoff is the wait after the given number of consecutive failures.
func (r Rules) Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	shift := min(attempts-1, MaxBackoffShift)
	return r.RetryBackoff << shift
}

// QueuedAt is the sort key for fairness: the reference point, or the last
// failed attempt when that is later, so retried conversations queue behind
// ones that have not been tried yet.
func QueuedAt(c domain.Candidate) time.Time {
	if c.LastAttemptAt != nil && c.LastAttemptAt.After(c.ReferenceAt) {
		return *c.LastAttemptAt
	}
	return c.ReferenceAt
}

// Select evaluates every snapshot and returns at most limit candidates,
// longest waiting first, ties broken by id.
func (r Rules) Select(snaps []Snapshot, now time.Time, limit int) []domain.Candidate {
	var out []domain.Candidate
	for _, s := range snaps {
		if c, ok := r.Evaluate(s, now); ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		qi, qj := QueuedAt(out[i]), QueuedAt(out[j])
		if !qi.Equal(qj) {
			return qi.Before(qj)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
