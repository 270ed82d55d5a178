// Package httpserver is the dispatcher's operator surface: probes, the manual
// run trigger, and a read-only view of the transition table.
package httpserver

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

const readyzTimeout = 2 * time.Second

type Server struct {
	Mux *mux.Router
}

// New returns a router with request instrumentation and the health probes
// mounted. requests may be nil.
func New(requests *prometheus.CounterVec, ready ...ReadyzCheck) *Server {
	r := mux.NewRouter()
	r.Use(Instrument(requests))
	r.HandleFunc("/healthz", Healthz()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", Readyz(readyzTimeout, ready...)).Methods(http.MethodGet)
	return &Server{Mux: r}
}
