package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type deps struct {
	wsHandler http.Handler
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/conversation", d.wsHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", handleHealth)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
