package dispatcher

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"outreach/internal/agent"
)

// NewBreaker guards the agent endpoint. Client errors (4xx other than 408 and
// 429) and explicit rejections are about one conversation, not the agent's
// health, so they do not count towards tripping.
func NewBreaker(maxFailures uint32, openTimeout time.Duration) *gobreaker.CircuitBreaker {
	if maxFailures == 0 {
		maxFailures = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "agent",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= maxFailures },
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, agent.ErrRejected) {
				return true
			}
			st := agent.Status(err)
			return st >= 400 && st < 500 && st != http.StatusRequestTimeout && st != http.StatusTooManyRequests
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
}
