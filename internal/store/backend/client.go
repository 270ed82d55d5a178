// Package backend implements the store on top of the CRM backend's
// dispatcher API instead of a direct database connection. The backend
// applies its own eligibility query; the client only enforces the batch
// limit and drops states the local rules cannot act on.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"outreach/internal/domain"
	"outreach/internal/store"
	"outreach/internal/util"
)

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

type lead struct {
	ID                   int64   `json:"id"`
	LeadPhone            string  `json:"lead_phone"`
	BusinessName         string  `json:"business_name"`
	State                string  `json:"state"`
	HoursSinceLastAction float64 `json:"hours_since_last_action"`
}

type findLeadsResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Leads   []lead `json:"leads"`
}

type markProcessedRequest struct {
	ConversationID int64     `json:"conversation_id"`
	State          string    `json:"state"`
	PreviousState  string    `json:"previous_state"`
	LastActivity   time.Time `json:"last_activity"`
}

// Error is a non-2xx answer from the backend.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Body)
}

func (c *Client) FindDue(ctx context.Context, q store.DueQuery) ([]domain.Candidate, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	endpoint := c.endpoint("/api/dispatcher/find-leads") + "?" + url.Values{"limit": {strconv.Itoa(q.Limit)}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var out findLeadsResponse
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("find leads: %w", err)
	}
	if !out.Success {
		if out.Error == "" {
			out.Error = "unknown error"
		}
		return nil, fmt.Errorf("find leads: %s", out.Error)
	}

	cands := make([]domain.Candidate, 0, len(out.Leads))
	for _, l := range out.Leads {
		st := domain.State(l.State)
		if _, ok := q.Rules.Window(st); !ok {
			continue
		}
		elapsed := time.Duration(math.Round(l.HoursSinceLastAction * float64(time.Hour)))
		cands = append(cands, domain.Candidate{
			Conversation: domain.Conversation{
				ID:           l.ID,
				LeadPhone:    util.NormalizePhone(l.LeadPhone),
				BusinessName: l.BusinessName,
				State:        st,
			},
			ReferenceAt: q.Now.Add(-elapsed),
			Elapsed:     elapsed,
		})
		if len(cands) == q.Limit {
			break
		}
	}
	return cands, nil
}

// AdvanceState maps 409 Conflict to "not advanced".
func (c *Client) AdvanceState(ctx context.Context, in store.Advance) (bool, error) {
	b, err := json.Marshal(markProcessedRequest{
		ConversationID: in.ID,
		State:          string(in.To),
		PreviousState:  string(in.From),
		LastActivity:   in.Now,
	})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/dispatcher/mark-processed"), bytes.NewReader(b))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	err = c.do(req, nil)
	var be *Error
	if errors.As(err, &be) && be.Status == http.StatusConflict {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark processed %d: %w", in.ID, err)
	}
	return true, nil
}

func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/health"), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

func (c *Client) do(req *http.Request, out any) error {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Status: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(b, out)
}
