package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"outreach/internal/domain"
	"outreach/internal/eligibility"
	"outreach/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// The rule table arrives as two parallel arrays so the query stays static.
// Waits are in microseconds. A failed attempt both delays the next try and
// queues the conversation behind ones that have not been tried.
const findDueSQL = `
SELECT c.id, c.lead_phone, COALESCE(c.business_name, ''), c.state, c.created_at, c.last_activity,
       c.failed_attempts, c.last_attempt_at, ref.at
FROM conversations c
JOIN unnest($2::text[], $3::bigint[]) AS r(state, wait_us) ON r.state = c.state
LEFT JOIN LATERAL (
	SELECT m.direction FROM messages m
	WHERE m.conversation_id = c.id
	ORDER BY m.created_at DESC, m.id DESC
	LIMIT 1
) lm ON true
LEFT JOIN LATERAL (
	SELECT max(m.created_at) AS at FROM messages m
	WHERE m.conversation_id = c.id AND m.direction = 'outbound'
) lo ON true
CROSS JOIN LATERAL (
	SELECT CASE
		WHEN c.state = 'NEW' THEN COALESCE(c.last_activity, c.created_at)
		ELSE COALESCE(lo.at, c.last_activity, c.created_at)
	END AS at
) ref
WHERE (lm.direction IS NULL OR lm.direction <> 'inbound')
  AND (c.last_activity IS NULL OR c.last_activity <= $1::timestamptz - $4::bigint * interval '1 microsecond')
  AND ref.at <= $1::timestamptz - r.wait_us * interval '1 microsecond'
  AND (c.last_attempt_at IS NULL OR c.last_attempt_at <= $1::timestamptz
       - ($6::bigint << (LEAST(GREATEST(c.failed_attempts, 1), $7::int + 1) - 1)) * interval '1 microsecond')
ORDER BY GREATEST(ref.at, c.last_attempt_at) ASC, c.id ASC
LIMIT $5
`

func (s *Store) FindDue(ctx context.Context, q store.DueQuery) ([]domain.Candidate, error) {
	states := q.Rules.States()
	if len(states) == 0 || q.Limit <= 0 {
		return nil, nil
	}
	names := make([]string, 0, len(states))
	waits := make([]int64, 0, len(states))
	for _, st := range states {
		w, _ := q.Rules.Window(st)
		names = append(names, string(st))
		waits = append(waits, w.Microseconds())
	}

	rows, err := s.DB.Query(ctx, findDueSQL, q.Now, names, waits, q.Rules.Cooldown.Microseconds(), q.Limit,
		q.Rules.RetryBackoff.Microseconds(), eligibility.MaxBackoffShift)
	if err != nil {
		return nil, fmt.Errorf("find due conversations: %w", err)
	}
	defer rows.Close()

	var out []domain.Candidate
	for rows.Next() {
		var (
			c     domain.Candidate
			state string
			ref   time.Time
		)
		if err := rows.Scan(&c.ID, &c.LeadPhone, &c.BusinessName, &state, &c.CreatedAt, &c.LastActivity,
			&c.FailedAttempts, &c.LastAttemptAt, &ref); err != nil {
			return nil, fmt.Errorf("scan due conversation: %w", err)
		}
		c.State = domain.State(state)
		c.ReferenceAt = ref
		c.Elapsed = q.Now.Sub(ref)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find due conversations: %w", err)
	}
	return out, nil
}

// AdvanceState reports false when the conversation left in.From in the
// meantime (another run, or the agent reacting to a reply).
func (s *Store) AdvanceState(ctx context.Context, in store.Advance) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE conversations
		SET state=$3, last_activity=$4, failed_attempts=0, last_attempt_at=NULL
		WHERE id=$1 AND state=$2
	`, in.ID, string(in.From), string(in.To), in.Now)
	if err != nil {
		return false, fmt.Errorf("advance conversation %d: %w", in.ID, err)
	}
	return ct.RowsAffected() > 0, nil
}

// RecordFailure is a no-op when the conversation has left in.State.
func (s *Store) RecordFailure(ctx context.Context, in store.Failure) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE conversations
		SET failed_attempts = failed_attempts + 1, last_attempt_at = $3
		WHERE id=$1 AND state=$2
	`, in.ID, string(in.State), in.At)
	if err != nil {
		return fmt.Errorf("record failure for conversation %d: %w", in.ID, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.DB.Ping(ctx)
}
