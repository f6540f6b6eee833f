/**
 * @description
 * This file defines the payment-side domain models for the membership-service.
 * A PaymentIntent is created before any interaction with Paystack and is the
 * durable idempotency anchor for the whole activation flow: both the
 * synchronous verify path and the asynchronous webhook path converge on the
 * same intent row, keyed by its unique reference.
 *
 * @notes
 * - Amounts are stored as `int64` to represent the value in the smallest
 *   currency unit (kobo), which avoids floating-point inaccuracies with
 *   financial data.
 * - The raw gateway response is persisted as-is so every delivered event
 *   leaves an audit trace, even when the business payload is unusable.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Payment purposes accepted by the activation engine.
const (
	PurposeGroupCreation = "group_creation"
	PurposeGroupJoin     = "group_join"
	PurposeContribution  = "contribution"
)

// Payment intent statuses.
const (
	PaymentStatusPending = "pending"
	PaymentStatusSuccess = "success"
	PaymentStatusFailed  = "failed"
)

// PaymentIntent maps to the `payment_intents` table. One row is created per
// payment attempt, before the client is handed off to the gateway checkout.
// Rows are mutated only by verification (sync or webhook) and never deleted.
type PaymentIntent struct {
	Reference       string          `json:"reference"`
	UserID          uuid.UUID       `json:"user_id"`
	GroupID         uuid.UUID       `json:"group_id"`
	Amount          int64           `json:"amount"` // in kobo
	Purpose         string          `json:"purpose"`
	Status          string          `json:"status"`
	Verified        bool            `json:"verified"`
	GatewayResponse json.RawMessage `json:"gateway_response,omitempty"`
	Channel         *string         `json:"channel,omitempty"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CreatePaymentIntentRequest is the DTO for the intent creation endpoint.
type CreatePaymentIntentRequest struct {
	GroupID uuid.UUID `json:"group_id"`
	Amount  int64     `json:"amount"` // in kobo
	Purpose string    `json:"purpose"`
}

// VerifyPaymentRequest is the DTO for the synchronous verify endpoint.
type VerifyPaymentRequest struct {
	Reference string `json:"reference"`
}

// ActivationInput carries the gateway-confirmed facts into the membership
// activator. Both trigger paths build the same input: the verify path from
// the gateway's verify-by-reference response, the webhook path from the
// charge event payload.
type ActivationInput struct {
	Reference         string
	Amount            int64 // gateway-confirmed, in kobo
	Purpose           string
	UserID            uuid.UUID
	GroupID           uuid.UUID
	PreferredPosition int // 0 means no preference
	Cycle             int // 0 means cycle 1
}

// ActivationResult reports the outcome of one activator invocation.
// IdempotentDuplicate is true when a previous invocation (from either path)
// already applied the side effects; the caller should treat this as success.
type ActivationResult struct {
	Admitted            bool `json:"admitted"`
	Position            int  `json:"position"`
	IdempotentDuplicate bool `json:"idempotent_duplicate"`
}

// VerifyPaymentResult is the structured outcome returned to the sync caller.
// PaymentStatus echoes the gateway's view so clients can distinguish
// "not successful yet" from "verification failed".
type VerifyPaymentResult struct {
	Success       bool              `json:"success"`
	Verified      bool              `json:"verified"`
	PaymentStatus string            `json:"payment_status"`
	Message       string            `json:"message,omitempty"`
	Activation    *ActivationResult `json:"activation,omitempty"`
}
