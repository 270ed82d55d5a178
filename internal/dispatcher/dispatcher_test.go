package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"outreach/internal/agent"
	"outreach/internal/domain"
	"outreach/internal/eligibility"
	sqsqueue "outreach/internal/queue/sqs"
	"outreach/internal/store"
	"outreach/internal/store/memstore"
	"outreach/internal/transition"
)

var t0 = time.Date(2026, 4, 14, 15, 0, 0, 0, time.UTC)

type fakeAgent struct {
	mu     sync.Mutex
	calls  []agent.TriggerRequest
	fail   map[int64]error
	silent map[int64]bool
}

func (f *fakeAgent) Trigger(ctx context.Context, in agent.TriggerRequest) (domain.AgentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if err := f.fail[in.ConversationID]; err != nil {
		return domain.AgentResult{}, err
	}
	if f.silent[in.ConversationID] {
		return domain.AgentResult{Action: domain.ActionSilent}, nil
	}
	return domain.AgentResult{Action: domain.ActionSent, ReplyText: "hello"}, nil
}

func (f *fakeAgent) called() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.calls))
	for _, c := range f.calls {
		ids = append(ids, c.ConversationID)
	}
	return ids
}

type fakeEvents struct {
	got []sqsqueue.TransitionEvent
	err error
}

func (f *fakeEvents) PublishTransition(ctx context.Context, ev sqsqueue.TransitionEvent) error {
	f.got = append(f.got, ev)
	return f.err
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newDispatcher(st Store, ag Agent, clk *clock) *Dispatcher {
	return &Dispatcher{
		Store:     st,
		Agent:     ag,
		Table:     transition.Default(),
		Rules:     eligibility.DefaultRules(),
		BatchSize: 10,
		Now:       clk.Now,
		Logger:    quietLogger(),
	}
}

func TestNewConversationEndToEnd(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	st.Put(domain.Conversation{ID: 42, LeadPhone: "+15550100", BusinessName: "Acme Roofing", State: domain.StateNew, CreatedAt: t0.Add(-10 * time.Minute)})

	ag := &fakeAgent{}
	clk := &clock{now: t0}
	d := newDispatcher(st, ag, clk)

	sum, err := d.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Selected)
	require.Equal(t, 1, sum.Sent)
	require.NotEmpty(t, sum.RunID)

	require.Len(t, ag.calls, 1)
	require.Equal(t, int64(42), ag.calls[0].ConversationID)
	require.Contains(t, ag.calls[0].Instruction, "NEW lead")

	c, err := st.Get(42)
	require.NoError(t, err)
	require.Equal(t, domain.StateSentHook, c.State)
	require.Equal(t, t0, *c.LastActivity)

	// the agent's outbound message lands, then the next tick runs right away
	st.AddMessage(42, domain.DirectionOutbound, t0)
	clk.now = t0.Add(time.Minute)
	sum, err = d.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, sum.Selected)
	require.Len(t, ag.calls, 1)
}

func TestAdvancedNewExcludedEvenWithZeroWindow(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	st.Put(domain.Conversation{ID: 1, State: domain.StateNew, CreatedAt: t0.Add(-time.Hour)})

	ag := &fakeAgent{silent: map[int64]bool{1: true}}
	clk := &clock{now: t0}
	d := newDispatcher(st, ag, clk)
	// no waiting at all in SENT_HOOK: only the cooldown protects the lead
	d.Rules = d.Rules.WithOverrides(map[domain.State]time.Duration{domain.StateSentHook: 0})

	sum, err := d.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Silent)

	clk.now = t0.Add(time.Second)
	sum, err = d.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, sum.Selected)

	clk.now = t0.Add(11 * time.Minute)
	sum, err = d.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Selected)
}

func TestOneFailureDoesNotStopBatch(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	for id := int64(1); id <= 5; id++ {
		st.Put(domain.Conversation{ID: id, State: domain.StateNew, CreatedAt: t0.Add(-time.Duration(10-id) * time.Hour)})
	}

	ag := &fakeAgent{fail: map[int64]error{3: &agent.CallError{Status: 500, Body: "boom", Err: errors.New("Internal Server Error")}}}
	clk := &clock{now: t0}
	d := newDispatcher(st, ag, clk)
	d.Rules.RetryBackoff = 10 * time.Minute

	sum, err := d.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, sum.Selected)
	require.Equal(t, 4, sum.Sent)
	require.Equal(t, 1, sum.Failed)
	require.Equal(t, []int64{1, 2, 3, 4, 5}, ag.called())

	for id := int64(1); id <= 5; id++ {
		c, err := st.Get(id)
		require.NoError(t, err)
		if id == 3 {
			require.Equal(t, domain.StateNew, c.State)
			require.Nil(t, c.LastActivity)
			continue
		}
		require.Equal(t, domain.StateSentHook, c.State, id)
	}

	c, err := st.Get(3)
	require.NoError(t, err)
	require.Equal(t, 1, c.FailedAttempts)
	require.Equal(t, t0, *c.LastAttemptAt)

	// the failed one sits out the retry backoff, then is picked up again
	delete(ag.fail, 3)
	clk.now = t0.Add(5 * time.Minute)
	sum, err = d.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, sum.Selected)

	clk.now = t0.Add(15 * time.Minute)
	sum, err = d.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Selected)
	require.Equal(t, 1, sum.Sent)

	c, err = st.Get(3)
	require.NoError(t, err)
	require.Equal(t, 0, c.FailedAttempts)
	require.Nil(t, c.LastAttemptAt)
}

func TestPermanentFailuresDoNotStarveBacklog(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	gone := &agent.CallError{Status: 404, Err: errors.New("conversation not found")}
	ag := &fakeAgent{fail: map[int64]error{}}
	for id := int64(1); id <= 10; id++ {
		st.Put(domain.Conversation{ID: id, State: domain.StateNew, CreatedAt: t0.Add(-48 * time.Hour)})
		ag.fail[id] = gone
	}
	st.Put(domain.Conversation{ID: 99, State: domain.StateNew, CreatedAt: t0.Add(-time.Hour)})

	clk := &clock{now: t0}
	d := newDispatcher(st, ag, clk)
	d.Breaker = NewBreaker(5, time.Minute)

	for _, backoff := range []time.Duration{0, 30 * time.Minute} {
		t.Run(backoff.String(), func(t *testing.T) {
			d.Rules.RetryBackoff = backoff
			clk.now = t0
			for run := 0; run < 3; run++ {
				_, err := d.Run(ctx)
				require.NoError(t, err)
				clk.now = clk.now.Add(15 * time.Minute)
			}
			c, err := st.Get(99)
			require.NoError(t, err)
			require.Equal(t, domain.StateSentHook, c.State)
			require.Contains(t, ag.called(), int64(99))

			// reset for the next case
			st.Put(domain.Conversation{ID: 99, State: domain.StateNew, CreatedAt: t0.Add(-time.Hour)})
			for id := int64(1); id <= 10; id++ {
				st.Put(domain.Conversation{ID: id, State: domain.StateNew, CreatedAt: t0.Add(-48 * time.Hour)})
			}
			ag.mu.Lock()
			ag.calls = nil
			ag.mu.Unlock()
		})
	}
}

func TestSequenceEndExpiresWithoutAgent(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	st.Put(domain.Conversation{ID: 9, State: domain.StateSentFU3, CreatedAt: t0.Add(-96 * time.Hour), LastActivity: ptr(t0.Add(-30 * time.Hour))})
	st.AddMessage(9, domain.DirectionOutbound, t0.Add(-30*time.Hour))

	ag := &fakeAgent{}
	ev := &fakeEvents{}
	clk := &clock{now: t0}
	d := newDispatcher(st, ag, clk)
	d.Events = ev

	sum, err := d.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Expired)
	require.Empty(t, ag.calls)

	c, _ := st.Get(9)
	require.Equal(t, domain.StateStale, c.State)
	require.Len(t, ev.got, 1)
	require.Equal(t, "STALE", ev.got[0].To)
	require.Equal(t, "", ev.got[0].Action)

	clk.now = t0.Add(365 * 24 * time.Hour)
	sum, err = d.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, sum.Selected)
}

func TestInboundReplyNeverNudged(t *testing.T) {
	st := memstore.New()
	st.Put(domain.Conversation{ID: 5, State: domain.StateSentFU1, CreatedAt: t0.Add(-72 * time.Hour), LastActivity: ptr(t0.Add(-48 * time.Hour))})
	st.AddMessage(5, domain.DirectionOutbound, t0.Add(-48*time.Hour))
	st.AddMessage(5, domain.DirectionInbound, t0.Add(-47*time.Hour))

	ag := &fakeAgent{}
	d := newDispatcher(st, ag, &clock{now: t0})

	sum, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, sum.Selected)
	require.Empty(t, ag.calls)
}

type conflictStore struct {
	cands []domain.Candidate
	err   error
	wrote []store.Advance
}

func (s *conflictStore) FindDue(ctx context.Context, q store.DueQuery) ([]domain.Candidate, error) {
	return s.cands, s.err
}

func (s *conflictStore) AdvanceState(ctx context.Context, in store.Advance) (bool, error) {
	s.wrote = append(s.wrote, in)
	return false, nil
}

func TestConflictAndUnknownState(t *testing.T) {
	st := &conflictStore{cands: []domain.Candidate{
		{Conversation: domain.Conversation{ID: 1, State: domain.StateSentHook}},
		{Conversation: domain.Conversation{ID: 2, State: "LEGACY_STATE"}},
	}}
	ag := &fakeAgent{}
	d := newDispatcher(st, ag, &clock{now: t0})

	sum, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Conflict)
	require.Equal(t, 1, sum.Skipped)
	require.Equal(t, []int64{1}, ag.called())
	require.Len(t, st.wrote, 1)
	require.Equal(t, domain.StateSentHook, st.wrote[0].From)
	require.Equal(t, domain.StateSentFU1, st.wrote[0].To)
}

func TestStoreErrorIsRunLevel(t *testing.T) {
	st := &conflictStore{err: errors.New("connection refused")}
	d := newDispatcher(st, &fakeAgent{}, &clock{now: t0})

	_, err := d.Run(context.Background())
	require.ErrorContains(t, err, "connection refused")
}

func TestBreakerOpenFailsFast(t *testing.T) {
	st := memstore.New()
	for id := int64(1); id <= 4; id++ {
		st.Put(domain.Conversation{ID: id, State: domain.StateNew, CreatedAt: t0.Add(-time.Duration(10-id) * time.Hour)})
	}
	down := &agent.CallError{Status: 503, Err: errors.New("Service Unavailable")}
	ag := &fakeAgent{fail: map[int64]error{1: down, 2: down, 3: down, 4: down}}
	d := newDispatcher(st, ag, &clock{now: t0})
	d.Breaker = NewBreaker(2, time.Minute)

	sum, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, sum.Failed)
	// breaker opened after two failures
	require.Equal(t, []int64{1, 2}, ag.called())
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	st := memstore.New()
	for id := int64(1); id <= 4; id++ {
		st.Put(domain.Conversation{ID: id, State: domain.StateNew, CreatedAt: t0.Add(-time.Duration(10-id) * time.Hour)})
	}
	bad := &agent.CallError{Status: 404, Err: errors.New("conversation not found")}
	ag := &fakeAgent{fail: map[int64]error{1: bad, 2: bad, 3: bad}}
	d := newDispatcher(st, ag, &clock{now: t0})
	d.Breaker = NewBreaker(2, time.Minute)

	sum, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, sum.Failed)
	require.Equal(t, 1, sum.Sent)
	require.Len(t, ag.calls, 4)
}

func TestBreakerIgnoresAgentRejections(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var in agent.TriggerRequest
		_ = json.NewDecoder(r.Body).Decode(&in)
		w.Header().Set("Content-Type", "application/json")
		if in.ConversationID <= 5 {
			_, _ = w.Write([]byte(`{"success":false,"error":"lead opted out"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"action":"sent"}`))
	}))
	defer srv.Close()

	st := memstore.New()
	for id := int64(1); id <= 8; id++ {
		st.Put(domain.Conversation{ID: id, State: domain.StateNew, CreatedAt: t0.Add(-time.Hour)})
	}
	d := newDispatcher(st, &agent.Client{URL: srv.URL, HTTP: srv.Client()}, &clock{now: t0})
	d.Breaker = NewBreaker(5, time.Minute)

	sum, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, sum.Failed)
	require.Equal(t, 3, sum.Sent)
	require.Equal(t, int32(8), hits.Load())
	require.Equal(t, gobreaker.StateClosed, d.Breaker.State())
}

func TestOpenBreakerSkipsPacing(t *testing.T) {
	st := memstore.New()
	for id := int64(1); id <= 3; id++ {
		st.Put(domain.Conversation{ID: id, State: domain.StateNew, CreatedAt: t0.Add(-time.Hour)})
	}
	ag := &fakeAgent{}
	d := newDispatcher(st, ag, &clock{now: t0})
	d.Breaker = NewBreaker(1, time.Hour)
	_, _ = d.Breaker.Execute(func() (any, error) { return nil, errors.New("agent down") })
	require.Equal(t, gobreaker.StateOpen, d.Breaker.State())

	// no token left: any Wait would block for an hour
	d.Limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	require.True(t, d.Limiter.Allow())

	start := time.Now()
	sum, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, sum.Failed)
	require.Empty(t, ag.calls)
	require.Less(t, time.Since(start), time.Second)

	// breaker rejections say nothing about the conversation
	c, err := st.Get(1)
	require.NoError(t, err)
	require.Equal(t, 0, c.FailedAttempts)
}

func TestLimiterSpacesAgentCalls(t *testing.T) {
	st := memstore.New()
	for id := int64(1); id <= 3; id++ {
		st.Put(domain.Conversation{ID: id, State: domain.StateNew, CreatedAt: t0.Add(-time.Hour)})
	}
	d := newDispatcher(st, &fakeAgent{}, &clock{now: t0})
	d.Limiter = rate.NewLimiter(rate.Every(40*time.Millisecond), 1)

	start := time.Now()
	sum, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, sum.Sent)
	require.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestCancelStopsBetweenItems(t *testing.T) {
	st := memstore.New()
	for id := int64(1); id <= 3; id++ {
		st.Put(domain.Conversation{ID: id, State: domain.StateNew, CreatedAt: t0.Add(-time.Hour)})
	}
	ctx, cancel := context.WithCancel(context.Background())
	ag := &cancelAgent{cancel: cancel}
	d := newDispatcher(st, ag, &clock{now: t0})

	sum, err := d.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, sum.Sent)
	require.Equal(t, 1, ag.n)
}

type cancelAgent struct {
	cancel context.CancelFunc
	n      int
}

func (a *cancelAgent) Trigger(ctx context.Context, in agent.TriggerRequest) (domain.AgentResult, error) {
	a.n++
	a.cancel()
	return domain.AgentResult{Action: domain.ActionSent}, nil
}

func TestEventPublishFailureDoesNotFailItem(t *testing.T) {
	st := memstore.New()
	st.Put(domain.Conversation{ID: 1, State: domain.StateNew, CreatedAt: t0.Add(-time.Hour)})
	d := newDispatcher(st, &fakeAgent{}, &clock{now: t0})
	d.Events = &fakeEvents{err: errors.New("queue gone")}

	sum, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Sent)
	require.Equal(t, 1, sum.Advanced())
}

func ptr(t time.Time) *time.Time { return &t }
