package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/internhub/notifyhub/internal/authz"
	"github.com/internhub/notifyhub/internal/handlers"
	"github.com/internhub/notifyhub/internal/models"
)

type Handlers struct {
	Auth          *handlers.AuthHandler
	Health        *handlers.HealthHandler
	Notifications *handlers.NotificationHandler
	Realtime      *handlers.RealtimeHandler
	Presence      *handlers.PresenceHandler
	Accounts      *handlers.AccountHandler
}

// NewRouter sets up the API routes
func NewRouter(h Handlers) *mux.Router {
	router := mux.NewRouter()

	// Health check route
	router.HandleFunc("/health", h.Health.Check).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(h.Auth.JWTMiddleware)

	api.HandleFunc("/realtime/token", h.Realtime.Token).Methods(http.MethodGet)
	api.HandleFunc("/presence", h.Presence.Update).Methods(http.MethodPost)

	api.HandleFunc("/notifications", h.Notifications.List).Methods(http.MethodGet)
	api.Handle("/notifications", authz.RequireRoleHandler(models.RoleAdmin, http.HandlerFunc(h.Notifications.Create))).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{notificationID}/ack", h.Notifications.Acknowledge).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{notificationID}/delivered", h.Notifications.MarkDelivered).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(authz.RequireRole(models.RoleAdmin))
	admin.HandleFunc("/users/{userID}/suspend", h.Accounts.Suspend).Methods(http.MethodPost)
	admin.HandleFunc("/users/{userID}/unsuspend", h.Accounts.Unsuspend).Methods(http.MethodPost)

	return router
}
