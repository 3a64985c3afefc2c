package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/qmarkhow-spec/rubypets-sub000/internal/auth"
)

// NewRouter wires every route. Routes under /api require an account token.
func NewRouter(h *Handlers, authenticator *auth.Authenticator, allowedOrigins []string, logger zerolog.Logger) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/internal/threads/{id}/notify", h.HandleInternalNotify).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(WithAuth(authenticator))

	api.HandleFunc("/threads", h.HandleListThreads).Methods(http.MethodGet)
	api.HandleFunc("/threads", h.HandleCreateThread).Methods(http.MethodPost)
	api.HandleFunc("/threads/{id}", h.HandleGetThread).Methods(http.MethodGet)
	api.HandleFunc("/threads/{id}/messages", h.HandleListMessages).Methods(http.MethodGet)
	api.HandleFunc("/threads/{id}/request/accept", h.HandleAcceptRequest).Methods(http.MethodPost)
	api.HandleFunc("/threads/{id}/request/reject", h.HandleRejectRequest).Methods(http.MethodPost)
	api.HandleFunc("/threads/{id}/archive", h.HandleArchive).Methods(http.MethodPost, http.MethodDelete)
	api.HandleFunc("/threads/{id}/delete", h.HandleDelete).Methods(http.MethodPost, http.MethodDelete)
	api.HandleFunc("/threads/{id}/ws", h.HandleWebSocket).Methods(http.MethodGet)

	var handler http.Handler = r
	handler = WithCORS(allowedOrigins)(handler)
	handler = LogRequests(logger)(handler)
	return handler
}
