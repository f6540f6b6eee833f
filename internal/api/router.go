/**
 * @description
 * This file sets up the HTTP router for the membership-service. It defines
 * the API endpoints, associates them with their corresponding handlers, and
 * applies any necessary middleware, such as for authentication.
 *
 * The webhook endpoint is deliberately outside the bearer-auth group: the
 * gateway authenticates with its HMAC signature, not a user token.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// MembershipRoutes creates and returns a new router for the membership service.
func MembershipRoutes(h *MembershipHandlers, webhook *WebhookHandler, jwksURL string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Gateway-facing webhook endpoint, HMAC-authenticated.
	r.Post("/webhooks/paystack", webhook.ServeHTTP)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(BearerAuthMiddleware(jwksURL))

		r.Post("/payments/intents", h.CreatePaymentIntentHandler)
		r.Get("/payments/{reference}", h.GetPaymentIntentHandler)
		r.Post("/payments/verify", h.VerifyPaymentHandler)

		r.Get("/groups/{groupID}/memberships/me", h.GetMyMembershipHandler)
		r.Delete("/groups/{groupID}", h.DeleteOrphanedGroupHandler)
	})

	return r
}
