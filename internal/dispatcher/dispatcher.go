// Package dispatcher runs one dispatch pass: select due conversations, ask the
// messaging agent to act on each one in turn, and persist the transition.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"outreach/internal/agent"
	"outreach/internal/domain"
	"outreach/internal/eligibility"
	"outreach/internal/observability"
	sqsqueue "outreach/internal/queue/sqs"
	"outreach/internal/store"
	"outreach/internal/transition"
	"outreach/internal/util"
)

type Store interface {
	FindDue(ctx context.Context, q store.DueQuery) ([]domain.Candidate, error)
	AdvanceState(ctx context.Context, in store.Advance) (bool, error)
}

type Agent interface {
	Trigger(ctx context.Context, in agent.TriggerRequest) (domain.AgentResult, error)
}

// FailureRecorder is implemented by stores that track failed attempts so a
// conversation the agent keeps failing on backs off instead of holding the
// front of the queue.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, in store.Failure) error
}

type EventPublisher interface {
	PublishTransition(ctx context.Context, ev sqsqueue.TransitionEvent) error
}

type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeSilent   Outcome = "silent"
	OutcomeExpired  Outcome = "expired"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeConflict Outcome = "conflict"
	OutcomeFailed   Outcome = "failed"
)

type RunSummary struct {
	RunID    string        `json:"runId"`
	Selected int           `json:"selected"`
	Sent     int           `json:"sent"`
	Silent   int           `json:"silent"`
	Expired  int           `json:"expired"`
	Skipped  int           `json:"skipped"`
	Conflict int           `json:"conflict"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"durationNs"`
}

// Advanced counts conversations whose transition was persisted.
func (s RunSummary) Advanced() int { return s.Sent + s.Silent + s.Expired }

func (s *RunSummary) add(o Outcome) {
	switch o {
	case OutcomeSent:
		s.Sent++
	case OutcomeSilent:
		s.Silent++
	case OutcomeExpired:
		s.Expired++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeConflict:
		s.Conflict++
	case OutcomeFailed:
		s.Failed++
	}
}

type Dispatcher struct {
	Store     Store
	Agent     Agent
	Table     transition.Table
	Rules     eligibility.Rules
	BatchSize int

	// Limiter spaces agent calls; it is shared across runs so the outbound
	// rate holds even when runs follow each other closely. Nil disables it.
	Limiter     *rate.Limiter
	Breaker     *gobreaker.CircuitBreaker
	CallTimeout time.Duration
	// WriteTimeout bounds the state write. The write runs even if ctx is
	// cancelled after the agent acted, so shutdown does not lose a send.
	WriteTimeout time.Duration

	// Events is optional.
	Events EventPublisher

	Now    func() time.Time
	Logger *slog.Logger
}

// Run processes one batch. Item failures are logged and counted, never
// returned; the error is reserved for run-level problems such as the store
// being unreachable or ctx being cancelled mid-batch.
func (d *Dispatcher) Run(ctx context.Context) (RunSummary, error) {
	start := time.Now()
	sum := RunSummary{RunID: util.NewRunID()}
	log := d.logger().With("run_id", sum.RunID)

	log.Info("dispatch run start", "batch_size", d.BatchSize)
	cands, err := d.Store.FindDue(ctx, store.DueQuery{Now: d.now(), Limit: d.BatchSize, Rules: d.Rules})
	if err != nil {
		sum.Duration = time.Since(start)
		return sum, fmt.Errorf("load due conversations: %w", err)
	}
	sum.Selected = len(cands)
	observability.BatchSize.Set(float64(len(cands)))

	if len(cands) == 0 {
		log.Info("no conversations need attention")
		sum.Duration = time.Since(start)
		return sum, nil
	}
	log.Info("processing due conversations", "count", len(cands))

	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			sum.Duration = time.Since(start)
			return sum, err
		}
		o := d.process(ctx, log, sum.RunID, c)
		sum.add(o)
		observability.Items.WithLabelValues(string(c.State), string(o)).Inc()
	}

	sum.Duration = time.Since(start)
	log.Info("dispatch run finish",
		"selected", sum.Selected,
		"advanced", sum.Advanced(),
		"skipped", sum.Skipped+sum.Conflict,
		"failed", sum.Failed,
		"duration", sum.Duration,
	)
	return sum, nil
}

func (d *Dispatcher) process(ctx context.Context, log *slog.Logger, runID string, c domain.Candidate) Outcome {
	step := d.Table.Lookup(c.State)
	log = log.With("conversation_id", c.ID, "state", c.State, "label", c.Label())
	if step.None() {
		log.Warn("no transition for state, skipping")
		return OutcomeSkipped
	}
	log = log.With("next_state", step.Next)

	outcome := OutcomeExpired
	var res domain.AgentResult
	if step.External {
		// an open breaker rejects without calling, so do not spend a pacing slot
		if d.Breaker != nil && d.Breaker.State() == gobreaker.StateOpen {
			observability.AgentCalls.WithLabelValues("cb_open", "0").Inc()
			log.Warn("agent circuit open, conversation left for next run")
			return OutcomeFailed
		}
		if d.Limiter != nil {
			if err := d.Limiter.Wait(ctx); err != nil {
				log.Warn("pacing wait aborted", "err", err)
				return OutcomeFailed
			}
		}
		log.Info("triggering agent", "elapsed_hours", c.ElapsedHours())

		var err error
		res, err = d.trigger(ctx, c, step.Render(c))
		if err != nil {
			attrs := []any{"err", err}
			var ce *agent.CallError
			if errors.As(err, &ce) && ce.Status != 0 {
				attrs = append(attrs, "http_status", ce.Status, "body", ce.Body)
			}
			log.Error("agent trigger failed, conversation left for next run", attrs...)
			if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
				d.recordFailure(ctx, log, c)
			}
			return OutcomeFailed
		}
		outcome = OutcomeSent
		if res.Action == domain.ActionSilent {
			outcome = OutcomeSilent
		}
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.writeTimeout())
	defer cancel()

	now := d.now()
	ok, err := d.Store.AdvanceState(wctx, store.Advance{ID: c.ID, From: c.State, To: step.Next, Now: now})
	if err != nil {
		if step.External {
			// the agent already acted; the outbound message timestamp keeps the
			// window closed until the next state write succeeds
			log.Error("persist transition failed after agent call", "err", err, "action", res.Action)
		} else {
			log.Error("persist transition failed", "err", err)
		}
		return OutcomeFailed
	}
	if !ok {
		log.Warn("conversation changed state during dispatch, not advanced")
		return OutcomeConflict
	}

	log.Info("conversation advanced", "outcome", outcome, "action", res.Action)
	d.publish(wctx, log, sqsqueue.TransitionEvent{
		RunID:          runID,
		ConversationID: c.ID,
		From:           string(c.State),
		To:             string(step.Next),
		Action:         string(res.Action),
		OccurredAt:     now,
	})
	return outcome
}

func (d *Dispatcher) trigger(ctx context.Context, c domain.Candidate, instruction string) (domain.AgentResult, error) {
	start := time.Now()
	call := func() (any, error) {
		callCtx := ctx
		if d.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, d.CallTimeout)
			defer cancel()
		}
		return d.Agent.Trigger(callCtx, agent.TriggerRequest{ConversationID: c.ID, Instruction: instruction})
	}

	var (
		resAny any
		err    error
	)
	if d.Breaker == nil {
		resAny, err = call()
	} else {
		resAny, err = d.Breaker.Execute(call)
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		observability.AgentCalls.WithLabelValues("cb_open", "0").Inc()
		return domain.AgentResult{}, err
	case err != nil:
		observability.AgentCalls.WithLabelValues("error", strconv.Itoa(agent.Status(err))).Inc()
		return domain.AgentResult{}, err
	}
	res := resAny.(domain.AgentResult)
	observability.AgentCalls.WithLabelValues(string(res.Action), "2xx").Inc()
	observability.AgentLatency.Observe(time.Since(start).Seconds())
	return res, nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, log *slog.Logger, c domain.Candidate) {
	fr, ok := d.Store.(FailureRecorder)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.writeTimeout())
	defer cancel()
	if err := fr.RecordFailure(wctx, store.Failure{ID: c.ID, State: c.State, At: d.now()}); err != nil {
		log.Warn("record failed attempt", "err", err)
	}
}

func (d *Dispatcher) publish(ctx context.Context, log *slog.Logger, ev sqsqueue.TransitionEvent) {
	if d.Events == nil {
		return
	}
	if err := d.Events.PublishTransition(ctx, ev); err != nil {
		observability.Events.WithLabelValues("error").Inc()
		log.Warn("publish transition event failed", "err", err)
		return
	}
	observability.Events.WithLabelValues("ok").Inc()
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return util.NowUTC()
}

func (d *Dispatcher) writeTimeout() time.Duration {
	if d.WriteTimeout > 0 {
		return d.WriteTimeout
	}
	return 5 * time.Second
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
