package api

import (
	"collabrelay/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler, logRequests bool) *mux.Router {
	r := mux.NewRouter()

	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.Tracing(logRequests))
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", h.Health).Methods("GET")
	api.HandleFunc("/stats", h.Stats).Methods("GET")

	// Document endpoints require the same token as WebSocket connections
	docs := api.PathPrefix("/documents/{id}").Subrouter()
	docs.Use(h.RequireToken)

	docs.HandleFunc("/presence", h.GetPresence).Methods("GET")

	// Version endpoints
	// Learning: gorilla/mux matches in registration order, so /compare goes before /{versionId}
	docs.HandleFunc("/versions", h.ListVersions).Methods("GET")
	docs.HandleFunc("/versions", h.SaveVersion).Methods("POST")
	docs.HandleFunc("/versions/compare", h.CompareVersions).Methods("GET")
	docs.HandleFunc("/versions/{versionId}", h.GetVersion).Methods("GET")
	docs.HandleFunc("/versions/{versionId}", h.DeleteVersion).Methods("DELETE")
	docs.HandleFunc("/versions/{versionId}/snapshot", h.GetSnapshot).Methods("GET")
	docs.HandleFunc("/versions/{versionId}/restore", h.RestoreVersion).Methods("POST")

	// WebSocket routes
	r.HandleFunc("/ws/document/{id}", h.ws.HandleDocumentConnection)
	r.HandleFunc("/ws", h.ws.HandleConnection)

	return r
}
