package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"outreach/internal/domain"
)

type Client struct {
	URL   string
	Token string
	HTTP  *http.Client
}

type TriggerRequest struct {
	ConversationID int64  `json:"conversation_id"`
	Instruction    string `json:"system_instruction"`
}

type triggerResponse struct {
	Success   *bool  `json:"success"`
	Error     string `json:"error"`
	Action    string `json:"action"`
	ReplyText string `json:"reply_text"`
}

// CallError carries the HTTP status and body of a failed trigger. Status is
// 0 when the request never got a response.
type CallError struct {
	Status int
	Body   string
	Err    error
}

func (e *CallError) Error() string {
	if e.Status == 0 {
		return "agent call failed: " + e.Err.Error()
	}
	return fmt.Sprintf("agent returned %d: %s", e.Status, e.Err.Error())
}

func (e *CallError) Unwrap() error { return e.Err }

// ErrRejected is a 2xx answer with success=false: the agent is healthy but
// refused this conversation.
var ErrRejected = errors.New("agent rejected trigger")

// Trigger asks the agent to act on one conversation. A 2xx answer is a
// success whether the agent sent a message or chose to stay silent.
func (c *Client) Trigger(ctx context.Context, in TriggerRequest) (domain.AgentResult, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return domain.AgentResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(b))
	if err != nil {
		return domain.AgentResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return domain.AgentResult{}, &CallError{Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var out triggerResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return domain.AgentResult{}, &CallError{Status: resp.StatusCode, Body: string(raw), Err: errors.New(msg)}
	}
	if out.Success != nil && !*out.Success {
		msg := out.Error
		if msg == "" {
			msg = ErrRejected.Error()
		}
		return domain.AgentResult{}, &CallError{Status: resp.StatusCode, Body: string(raw), Err: fmt.Errorf("%w: %s", ErrRejected, msg)}
	}

	action := domain.AgentAction(strings.ToLower(strings.TrimSpace(out.Action)))
	if action == "" {
		action = domain.ActionSent
	}
	return domain.AgentResult{Action: action, ReplyText: out.ReplyText}, nil
}

// Status extracts the HTTP status from an agent error, 0 when there is none.
func Status(err error) int {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Status
	}
	return 0
}
