package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/matt-riley/flagz-go"
)

type healthResponse struct {
	State string      `json:"state"`
	Ready bool        `json:"ready"`
	Stats flagz.Stats `json:"stats"`
}

// newDebugHandler exposes the client's state for operators.
func newDebugHandler(client *flagz.Client, log *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(requestLogging(log))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := http.StatusOK
		if !client.Ready() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, healthResponse{
			State: string(client.State()),
			Ready: client.Ready(),
			Stats: client.Stats(),
		})
	})
	r.Method(http.MethodGet, "/metrics", client.MetricsHandler())

	r.Route("/flags", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"flags": client.AllFlags()})
		})
		r.Get("/{name}", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")
			for _, f := range client.AllFlags() {
				if f.Name == name {
					writeJSON(w, http.StatusOK, f)
					return
				}
			}
			writeJSONError(w, http.StatusNotFound, "flag not found")
		})
	})

	r.Post("/fetch", func(w http.ResponseWriter, r *http.Request) {
		err := client.FetchFlags(r.Context())
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, client.Stats())
		case errors.Is(err, flagz.ErrFetchInProgress),
			errors.Is(err, flagz.ErrOffline),
			errors.Is(err, flagz.ErrStopped):
			writeJSONError(w, http.StatusConflict, err.Error())
		default:
			writeJSONError(w, http.StatusBadGateway, err.Error())
		}
	})
	return r
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
