package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/stanstork/ocms-cron/internal/authz"
	"github.com/stanstork/ocms-cron/internal/handlers"
	"github.com/stanstork/ocms-cron/internal/models"
)

// NewRouter sets up the API routes
func NewRouter(auth *handlers.AuthHandler, jobs *handlers.JobHandler, callbacks *handlers.CallbackHandler, health *handlers.HealthHandler) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", health.HealthCheck).Methods(http.MethodGet)

	// The encryption service authenticates with its own api key.
	router.HandleFunc("/api/callbacks/encryption", callbacks.EncryptionCallback).Methods(http.MethodPost)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(auth.JWTMiddleware)

	api.Handle("/jobs", authz.RequireRoleHandler(models.RoleViewer, http.HandlerFunc(jobs.ListJobs))).Methods(http.MethodGet)
	api.Handle("/jobs/{jobName}/runs", authz.RequireRoleHandler(models.RoleViewer, http.HandlerFunc(jobs.ListRuns))).Methods(http.MethodGet)
	api.Handle("/jobs/{jobName}/trigger", authz.RequireRoleHandler(models.RoleOperator, http.HandlerFunc(jobs.TriggerJob))).Methods(http.MethodPost)

	return router
}
