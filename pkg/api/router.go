package api

import (
	"github.com/gorilla/mux"
)

// NewRouter wires C7's endpoints onto a gorilla/mux router, wrapped in
// the Recover and Auth middleware (in that order: a panic inside Auth
// itself still gets mapped to INTERNAL_ERROR).
func NewRouter(h *Handlers) *mux.Router {
	router := mux.NewRouter()
	router.Use(h.Recover, h.Auth)

	router.HandleFunc("/health", h.HealthHandler).Methods("GET")
	router.HandleFunc("/start_session", h.StartSessionHandler).Methods("POST")
	router.HandleFunc("/audio_chunk", h.AudioChunkHandler).Methods("POST")
	router.HandleFunc("/stop_session", h.StopSessionHandler).Methods("POST")
	router.HandleFunc("/session_status_ws", h.SessionStatusWSHandler)

	return router
}
