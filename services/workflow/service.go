package workflow

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Service exposes workflows and runs over HTTP.
type Service struct {
	store   Store
	manager *Manager
}

// NewService creates a Service reading definitions from store and running them through manager.
func NewService(store Store, manager *Manager) *Service {
	return &Service{store: store, manager: manager}
}

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// LoadRoutes registers workflow and run HTTP handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	workflows := parentRouter.PathPrefix("/workflows").Subrouter()
	workflows.StrictSlash(false)
	workflows.Use(jsonMiddleware)

	workflows.HandleFunc("/{id}", s.HandleGetWorkflow).Methods("GET")
	workflows.HandleFunc("/{id}/runs", s.HandleStartRun).Methods("POST")
	workflows.HandleFunc("/{id}/runs", s.HandleListRuns).Methods("GET")

	runs := parentRouter.PathPrefix("/runs").Subrouter()
	runs.StrictSlash(false)
	runs.Use(jsonMiddleware)

	runs.HandleFunc("/{runId}", s.HandleGetRun).Methods("GET")
	runs.HandleFunc("/{runId}/cancel", s.HandleCancelRun).Methods("POST")
}
