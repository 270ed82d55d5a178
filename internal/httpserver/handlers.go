package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"outreach/internal/dispatcher"
	"outreach/internal/scheduler"
	"outreach/internal/transition"
)

type API struct {
	// Trigger runs one dispatch pass synchronously.
	Trigger func(ctx context.Context) (dispatcher.RunSummary, error)
	Table   transition.Table
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/runs", a.handleRun).Methods(http.MethodPost)
	r.HandleFunc("/v1/transitions", a.handleTransitions).Methods(http.MethodGet)
}

func (a *API) handleRun(w http.ResponseWriter, r *http.Request) {
	sum, err := a.Trigger(r.Context())
	switch {
	case errors.Is(err, scheduler.ErrRunInProgress):
		http.Error(w, ErrRunInProgress, http.StatusConflict)
		return
	case err != nil:
		slog.Error("manual run failed", "err", err, "run_id", sum.RunID)
		http.Error(w, ErrRunFailed, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) handleTransitions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Table.Entries())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
