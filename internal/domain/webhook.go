/**
 * @description
 * This file defines the strongly-typed envelope for webhooks pushed by
 * Paystack. The envelope is only ever decoded after the raw payload has
 * passed HMAC authentication; the metadata block inside the charge object
 * carries the activation facts the initiating client attached at checkout.
 */

package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Webhook event names this service handles.
const (
	WebhookEventChargeSuccess = "charge.success"
	WebhookEventChargeFailed  = "charge.failed"
)

// PaystackWebhookEvent is the top-level webhook envelope.
type PaystackWebhookEvent struct {
	Event string             `json:"event"`
	Data  PaystackChargeData `json:"data"`
}

// PaystackChargeData is the charge object embedded in charge.* events.
// Amount is the gateway-confirmed amount in kobo.
type PaystackChargeData struct {
	Reference      string          `json:"reference"`
	Amount         int64           `json:"amount"`
	Status         string          `json:"status"`
	Channel        string          `json:"channel"`
	PaidAt         string          `json:"paid_at"`
	GatewayMessage string          `json:"gateway_response"`
	Metadata       ChargeMetadata  `json:"metadata"`
	Raw            json.RawMessage `json:"-"`
}

// ChargeMetadata is attached by our clients when initializing a checkout and
// echoed back by the gateway. It identifies who is being admitted, into
// which group, and at which preferred rotation slot.
type ChargeMetadata struct {
	UserID            uuid.UUID `json:"user_id"`
	GroupID           uuid.UUID `json:"group_id"`
	Purpose           string    `json:"purpose"`
	PreferredPosition int       `json:"preferred_position,omitempty"`
	Cycle             int       `json:"cycle,omitempty"`
}

// WebhookResponse is the body returned to the gateway for every delivery.
type WebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
