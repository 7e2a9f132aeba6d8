// Package api assembles the local control surface: login, health, and
// the protected monitor/change/containment routes.
package api

import (
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/halcyonlab/persistguard/internal/api/handlers"
	"github.com/halcyonlab/persistguard/internal/api/utils"
	"github.com/halcyonlab/persistguard/internal/auth"
	"github.com/halcyonlab/persistguard/internal/store"
)

// Deps carries everything the routes need
type Deps struct {
	Store   *store.Store
	Auth    *auth.Service
	Monitor interface {
		handlers.MonitorControl
		handlers.Acknowledger
	}
	Engine  handlers.Container
	Scanner handlers.ItemFinder
}

// Router sets up the main API router with all routes
func Router(deps Deps) *mux.Router {
	router := mux.NewRouter()
	router.Use(utils.SecurityMiddleware)

	// public routes get the tight limit
	router.Use(utils.RateLimitMiddleware(rate.Limit(10), 20, 1))

	changeSvc := handlers.NewChangeService(deps.Store, deps.Monitor)
	monitorSvc := handlers.NewMonitorService(deps.Monitor)
	containSvc := handlers.NewContainmentService(deps.Engine, deps.Scanner)

	public := router.PathPrefix("/api").Subrouter()
	public.HandleFunc("/health", handlers.HealthHandler).Methods("GET")
	public.HandleFunc("/login", handlers.LoginHandler(deps.Auth)).Methods("POST")

	protected := router.PathPrefix("/api").Subrouter()
	protected.Use(deps.Auth.Middleware)
	protected.Use(utils.RateLimitMiddleware(rate.Limit(20), 40, 1))

	protected.HandleFunc("/status", handlers.StatusHandler(monitorSvc)).Methods("GET")
	protected.HandleFunc("/monitor/start", handlers.StartMonitorHandler(monitorSvc)).Methods("POST")
	protected.HandleFunc("/monitor/stop", handlers.StopMonitorHandler(monitorSvc)).Methods("POST")
	protected.HandleFunc("/baseline/reset", handlers.ResetBaselineHandler(monitorSvc)).Methods("POST")

	protected.HandleFunc("/changes", handlers.GetChangesHandler(changeSvc)).Methods("GET")
	protected.HandleFunc("/changes/unacknowledged/count", handlers.UnacknowledgedCountHandler(changeSvc)).Methods("GET")
	protected.HandleFunc("/changes/{id}/acknowledge", handlers.AcknowledgeChangeHandler(changeSvc)).Methods("POST")

	protected.HandleFunc("/containments", handlers.ListContainmentsHandler(containSvc)).Methods("GET")
	protected.HandleFunc("/containments", handlers.ContainHandler(containSvc)).Methods("POST")
	protected.HandleFunc("/containments/{identifier}/release", handlers.ReleaseContainmentHandler(containSvc)).Methods("POST")
	protected.HandleFunc("/containments/{identifier}/extend", handlers.ExtendContainmentHandler(containSvc)).Methods("POST")
	protected.HandleFunc("/containments/{identifier}/integrity", handlers.IntegrityHandler(containSvc)).Methods("GET")

	return router
}
