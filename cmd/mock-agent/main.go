package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"outreach/internal/config"
	"outreach/internal/logging"
)

// Outcomes understood in MOCK_OUTCOMES:
//
//	sent    200 {"action":"sent"}
//	silent  200 {"action":"silent"}
//	reject  200 {"success":false}
//	error   500
//	slow    waits 60s before answering sent (exercises AGENT_TIMEOUT)
type server struct {
	cfg      config.MockAgentConfig
	outcomes []string
	idx      uint64
	rng      *rand.Rand
	rngMu    sync.Mutex
}

type triggerRequest struct {
	ConversationID int64  `json:"conversation_id"`
	Instruction    string `json:"system_instruction"`
}

func main() {
	cfg := config.LoadMockAgent()
	logging.Init("mock-agent", cfg.LogFormat)

	s := newServer(cfg, time.Now().UnixNano())

	slog.Info("mock agent listening", "port", cfg.Port, "outcomes", s.outcomes, "mode", cfg.OutcomeMode)
	if err := http.ListenAndServe(":"+cfg.Port, s.routes()); err != nil {
		slog.Error("mock agent server failed", "err", err)
		os.Exit(1)
	}
}

func newServer(cfg config.MockAgentConfig, seed int64) *server {
	outcomes := parseCSV(cfg.OutcomesRaw)
	if len(outcomes) == 0 {
		outcomes = []string{"sent"}
	}
	return &server{cfg: cfg, outcomes: outcomes, rng: rand.New(rand.NewSource(seed))}
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/agent/trigger", s.handleTrigger).Methods(http.MethodPost)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }).Methods(http.MethodGet)
	return r
}

func (s *server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "unauthorized"})
		return
	}
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "conversation_id and system_instruction required"})
		return
	}

	outcome := s.nextOutcome()
	slog.Info("mock agent trigger", "conversation_id", req.ConversationID, "outcome", outcome, "instruction", req.Instruction)

	if s.cfg.Delay > 0 && !sleepCtx(r.Context(), s.cfg.Delay) {
		return
	}

	switch outcome {
	case "silent":
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "action": "silent"})
	case "reject":
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "lead opted out"})
	case "error":
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "mock agent failure"})
	case "slow":
		if !sleepCtx(r.Context(), time.Minute) {
			return
		}
		fallthrough
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"action":     "sent",
			"reply_text": "Hi! Quick question about your business, do you have a minute?",
		})
	}
}

func (s *server) nextOutcome() string {
	if s.cfg.OutcomeMode == "random" {
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.outcomes))
		s.rngMu.Unlock()
		return s.outcomes[i]
	}
	i := atomic.AddUint64(&s.idx, 1) - 1
	return s.outcomes[i%uint64(len(s.outcomes))]
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
