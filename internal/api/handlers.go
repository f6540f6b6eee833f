/**
 * @description
 * This file contains the HTTP handlers for the membership-service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ajopool/membership-service/internal/app"
	"github.com/ajopool/membership-service/internal/domain"
	"github.com/ajopool/membership-service/internal/store"
)

// MembershipHandlers holds the application service that handlers will use.
type MembershipHandlers struct {
	service             *app.Service
	verifyRatePerMinute int
}

// NewMembershipHandlers creates a new instance of MembershipHandlers.
func NewMembershipHandlers(service *app.Service, verifyRatePerMinute int) *MembershipHandlers {
	return &MembershipHandlers{
		service:             service,
		verifyRatePerMinute: verifyRatePerMinute,
	}
}

// resolveCaller maps the validated bearer subject to the internal user UUID.
func (h *MembershipHandlers) resolveCaller(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	subject, ok := GetAuthSubject(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get caller identity from context")
		return uuid.Nil, false
	}

	internalID, err := h.service.ResolveInternalUserID(r.Context(), subject)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			h.writeError(w, http.StatusBadRequest, "User not found")
			return uuid.Nil, false
		}
		log.Printf("level=error component=api msg=\"failed to resolve caller\" subject=%s err=%v", subject, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to resolve caller identity")
		return uuid.Nil, false
	}

	userID, err := uuid.Parse(internalID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return uuid.Nil, false
	}
	return userID, true
}

// CreatePaymentIntentHandler records a pending payment intent and returns
// the reference the client must initialize the gateway checkout with.
func (h *MembershipHandlers) CreatePaymentIntentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveCaller(w, r)
	if !ok {
		return
	}

	var req domain.CreatePaymentIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	intent, err := h.service.CreatePaymentIntent(r.Context(), userID, req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidPurpose):
			h.writeError(w, http.StatusBadRequest, "Unknown payment purpose")
		case errors.Is(err, app.ErrInvalidAmount):
			h.writeError(w, http.StatusBadRequest, "Amount must be a positive number of kobo")
		case errors.Is(err, store.ErrGroupNotFound):
			h.writeError(w, http.StatusNotFound, "Group not found")
		default:
			log.Printf("level=error component=api msg=\"payment intent creation failed\" user_id=%s err=%v", userID, err)
			h.writeError(w, http.StatusInternalServerError, "Could not create payment intent")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, intent)
}

// GetPaymentIntentHandler returns the intent for status polling by its owner.
func (h *MembershipHandlers) GetPaymentIntentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveCaller(w, r)
	if !ok {
		return
	}

	reference := strings.TrimSpace(chi.URLParam(r, "reference"))
	if reference == "" {
		h.writeError(w, http.StatusBadRequest, "Payment reference is required")
		return
	}

	intent, err := h.service.GetPaymentIntent(r.Context(), userID, reference)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrPaymentIntentNotFound):
			h.writeError(w, http.StatusNotFound, "Payment intent not found")
		case errors.Is(err, app.ErrNotIntentOwner):
			h.writeError(w, http.StatusForbidden, "Payment intent belongs to another user")
		default:
			log.Printf("level=error component=api msg=\"payment intent lookup failed\" reference=%s err=%v", reference, err)
			h.writeError(w, http.StatusInternalServerError, "Could not load payment intent")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, intent)
}

// VerifyPaymentHandler handles the synchronous verification trigger. The
// caller typically lands here right after the gateway checkout redirect,
// racing the webhook; both paths converge on the same idempotent activator.
func (h *MembershipHandlers) VerifyPaymentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveCaller(w, r)
	if !ok {
		return
	}

	if count, retryAfter, err := h.service.ConsumeVerifyRateLimit(r.Context(), userID.String(), h.verifyRatePerMinute); err != nil {
		log.Printf("level=warn component=api msg=\"verify rate limit check failed; allowing request\" user_id=%s err=%v", userID, err)
	} else if h.verifyRatePerMinute > 0 && count > h.verifyRatePerMinute {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many verification attempts. Please wait and try again.")
		return
	}

	var req domain.VerifyPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Reference) == "" {
		h.writeError(w, http.StatusBadRequest, "Payment reference is required")
		return
	}

	result, err := h.service.VerifyPayment(r.Context(), userID, req.Reference)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrPaymentIntentNotFound):
			h.writeError(w, http.StatusNotFound, "Payment intent not found")
		case errors.Is(err, app.ErrNotIntentOwner):
			h.writeError(w, http.StatusForbidden, "Payment intent belongs to another user")
		case errors.Is(err, app.ErrGatewayUnreachable):
			h.writeError(w, http.StatusBadGateway, "Payment gateway unreachable. Please retry shortly.")
		case errors.Is(err, app.ErrAmountMismatch):
			h.writeError(w, http.StatusUnprocessableEntity, "Confirmed payment amount does not cover the required total")
		case errors.Is(err, store.ErrGroupNotFound):
			h.writeError(w, http.StatusNotFound, "Group not found")
		case errors.Is(err, store.ErrJoinRequestNotFound):
			h.writeError(w, http.StatusConflict, "No approved join request for this group")
		default:
			log.Printf("level=error component=api msg=\"payment verification failed\" reference=%s err=%v", req.Reference, err)
			h.writeError(w, http.StatusInternalServerError, "Payment verification failed")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// GetMyMembershipHandler returns the caller's membership in a group, used by
// clients to confirm position and activation state after payment.
func (h *MembershipHandlers) GetMyMembershipHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveCaller(w, r)
	if !ok {
		return
	}

	groupID, err := uuid.Parse(chi.URLParam(r, "groupID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid group ID")
		return
	}

	membership, err := h.service.GetMembership(r.Context(), groupID, userID)
	if err != nil {
		if errors.Is(err, store.ErrMembershipNotFound) {
			h.writeError(w, http.StatusNotFound, "No membership in this group")
			return
		}
		log.Printf("level=error component=api msg=\"membership lookup failed\" group_id=%s user_id=%s err=%v", groupID, userID, err)
		h.writeError(w, http.StatusInternalServerError, "Could not load membership")
		return
	}

	h.writeJSON(w, http.StatusOK, membership)
}

// DeleteOrphanedGroupHandler lets a creator clean up a group their payment
// never activated. The store rejects the call for non-creators and for
// groups that already admitted a member.
func (h *MembershipHandlers) DeleteOrphanedGroupHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveCaller(w, r)
	if !ok {
		return
	}

	groupID, err := uuid.Parse(chi.URLParam(r, "groupID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid group ID")
		return
	}

	if err := h.service.DeleteOrphanedGroup(r.Context(), groupID, userID); err != nil {
		switch {
		case errors.Is(err, store.ErrGroupNotFound):
			h.writeError(w, http.StatusNotFound, "Group not found")
		case errors.Is(err, store.ErrNotGroupCreator):
			h.writeError(w, http.StatusForbidden, "Only the group creator can delete the group")
		case errors.Is(err, store.ErrGroupNotEmpty):
			h.writeError(w, http.StatusConflict, "Group already has members and cannot be deleted")
		default:
			log.Printf("level=error component=api msg=\"orphaned group deletion failed\" group_id=%s err=%v", groupID, err)
			h.writeError(w, http.StatusInternalServerError, "Could not delete group")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"message": "Group deleted"})
}

// writeJSON is a helper for writing JSON responses.
func (h *MembershipHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *MembershipHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
