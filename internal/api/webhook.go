/**
 * @description
 * This file contains the HTTP handler for processing incoming webhooks from
 * Paystack. It acts as the asynchronous entry point of the activation race:
 * the gateway's charge events drive the same activator as the user-triggered
 * verify endpoint.
 *
 * Key features:
 * - Security: Validates the HMAC-SHA512 signature of incoming webhooks over
 *   the exact raw payload, before any JSON parsing. The comparison is
 *   constant-time.
 * - Parsing: Decodes the JSON payload into strongly-typed Go structs only
 *   after authentication.
 * - Idempotency: The gateway redelivers on non-2xx responses; delegated
 *   business logic is idempotent, and a best-effort in-process dedupe map
 *   short-circuits rapid duplicates.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha512, encoding/hex: For webhook signature validation.
 * - encoding/json, net/http: For payload decoding and HTTP plumbing.
 * - The service's internal packages for domain models and business logic.
 */
package api

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ajopool/membership-service/internal/app"
	"github.com/ajopool/membership-service/internal/domain"
	"github.com/ajopool/membership-service/internal/store"
)

// SignatureHeader carries the gateway's hex-encoded HMAC-SHA512 of the raw body.
const SignatureHeader = "x-paystack-signature"

// WebhookHandler processes incoming webhooks from Paystack.
type WebhookHandler struct {
	service         *app.Service
	secret          string
	processedEvents map[string]time.Time
	mutex           sync.Mutex
}

// NewWebhookHandler creates a new handler for the webhook endpoint.
func NewWebhookHandler(service *app.Service, secret string) *WebhookHandler {
	return &WebhookHandler{
		service:         service,
		secret:          secret,
		processedEvents: make(map[string]time.Time),
	}
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = fmt.Sprintf("req_%d", time.Now().UnixNano())
	}

	log.Printf("level=info component=webhook msg=\"webhook request started\" request_id=%s remote=%s", requestID, r.RemoteAddr)

	// 1. Read the request body as raw, unparsed bytes. The signature covers
	// this exact byte sequence; parsing first would destroy the evidence.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("level=error component=webhook msg=\"cannot read webhook body\" request_id=%s err=%v", requestID, err)
		h.respond(w, http.StatusBadRequest, false, "Cannot read request body")
		return
	}

	// 2. Require the signature header before anything else.
	signature := strings.TrimSpace(r.Header.Get(SignatureHeader))
	if signature == "" {
		log.Printf("level=warn component=webhook msg=\"missing signature header\" request_id=%s", requestID)
		h.respond(w, http.StatusBadRequest, false, "Missing signature header")
		return
	}

	// 3. Authenticate. A mismatch rejects with zero database writes.
	if !h.isValidSignature(signature, body) {
		log.Printf("level=warn component=webhook msg=\"invalid webhook signature\" request_id=%s", requestID)
		h.respond(w, http.StatusUnauthorized, false, "Invalid signature")
		return
	}

	// 4. Only now parse the envelope.
	var event domain.PaystackWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=webhook msg=\"malformed webhook payload\" request_id=%s err=%v", requestID, err)
		h.respond(w, http.StatusBadRequest, false, "Invalid JSON payload")
		return
	}

	switch event.Event {
	case domain.WebhookEventChargeSuccess, domain.WebhookEventChargeFailed:
	default:
		log.Printf("level=info component=webhook msg=\"unhandled event type\" request_id=%s event=%s", requestID, event.Event)
		h.respond(w, http.StatusOK, true, "Webhook received")
		return
	}

	if event.Data.Reference == "" {
		h.respond(w, http.StatusBadRequest, false, "Charge event missing reference")
		return
	}

	// 5. Best-effort duplicate suppression. Correctness does not depend on
	// this map — the business logic is idempotent over persisted state — it
	// only spares the database from redelivery bursts.
	if h.isDuplicateEvent(event.Data.Reference, event.Event) {
		log.Printf("level=info component=webhook msg=\"duplicate event ignored\" request_id=%s reference=%s", requestID, event.Data.Reference)
		h.respond(w, http.StatusOK, true, "Duplicate event ignored")
		return
	}

	result, err := h.service.HandleChargeEvent(r.Context(), event, body)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrMalformedChargeMetadata):
			// Recorded for audit, but no amount of redelivery will fix the
			// metadata; tell the gateway the payload is bad.
			h.respond(w, http.StatusBadRequest, false, "Charge metadata is incomplete")
		case errors.Is(err, app.ErrAmountMismatch),
			errors.Is(err, store.ErrGroupNotFound),
			errors.Is(err, store.ErrJoinRequestNotFound),
			errors.Is(err, store.ErrNotGroupCreator):
			// Terminal validation failures: redelivery cannot succeed either,
			// and the event is already recorded against the intent.
			log.Printf("level=warn component=webhook msg=\"activation rejected\" request_id=%s reference=%s err=%v", requestID, event.Data.Reference, err)
			h.respond(w, http.StatusBadRequest, false, "Charge cannot activate membership")
		default:
			log.Printf("level=error component=webhook msg=\"webhook processing failed\" request_id=%s reference=%s err=%v", requestID, event.Data.Reference, err)
			h.respond(w, http.StatusInternalServerError, false, "Internal server error during event processing")
		}
		return
	}

	h.markProcessed(event.Data.Reference, event.Event)
	if result != nil && result.IdempotentDuplicate {
		log.Printf("level=info component=webhook msg=\"event already applied\" request_id=%s reference=%s position=%d", requestID, event.Data.Reference, result.Position)
	}
	log.Printf("level=info component=webhook msg=\"webhook processed\" request_id=%s reference=%s elapsed=%v", requestID, event.Data.Reference, time.Since(startTime))
	h.respond(w, http.StatusOK, true, "Webhook received")
}

// isValidSignature validates the hex-encoded HMAC-SHA512 signature over the
// raw body. hmac.Equal keeps the comparison constant-time so the check leaks
// nothing through response timing.
func (h *WebhookHandler) isValidSignature(signatureHeader string, body []byte) bool {
	if h.secret == "" {
		log.Println("level=error component=webhook msg=\"webhook secret is not configured; rejecting delivery\"")
		return false
	}

	provided, err := hex.DecodeString(signatureHeader)
	if err != nil {
		return false
	}

	mac := hmac.New(sha512.New, []byte(h.secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// isDuplicateEvent checks if we've already processed this event recently.
// Events are only marked processed after a successful handling pass, so a
// delivery that failed with 5xx is not suppressed on redelivery.
func (h *WebhookHandler) isDuplicateEvent(reference, eventType string) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	// Clean up old entries (older than 1 hour) to prevent memory leaks
	cutoff := time.Now().Add(-1 * time.Hour)
	for key, timestamp := range h.processedEvents {
		if timestamp.Before(cutoff) {
			delete(h.processedEvents, key)
		}
	}

	timestamp, exists := h.processedEvents[fmt.Sprintf("%s:%s", reference, eventType)]
	return exists && time.Since(timestamp) < 5*time.Minute
}

func (h *WebhookHandler) markProcessed(reference, eventType string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.processedEvents[fmt.Sprintf("%s:%s", reference, eventType)] = time.Now()
}

func (h *WebhookHandler) respond(w http.ResponseWriter, status int, success bool, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(domain.WebhookResponse{Success: success, Message: message})
}
