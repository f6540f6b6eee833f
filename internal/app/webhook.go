/**
 * @description
 * This file contains the business half of the asynchronous webhook path.
 * The HTTP layer authenticates and decodes the gateway event; this code
 * records it and, for a confirmed charge, drives the same idempotent
 * activator the synchronous verify path uses. The gateway redelivers on any
 * non-2xx response, so everything here must tolerate unbounded replay.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ajopool/membership-service/internal/domain"
)

// ErrMalformedChargeMetadata flags a charge event whose metadata cannot
// identify a user and group. The event is still recorded for audit before
// this error is surfaced.
var ErrMalformedChargeMetadata = errors.New("charge metadata missing user or group")

// HandleChargeEvent processes an authenticated charge.* webhook event.
// The payment intent is upserted unconditionally before any business logic
// runs, so every delivery — success, failure, or malformed business payload
// — leaves an audit trace. Returns a nil result for events that require no
// activation (failures, non-activation purposes).
func (s *Service) HandleChargeEvent(ctx context.Context, event domain.PaystackWebhookEvent, raw []byte) (*domain.ActivationResult, error) {
	data := event.Data

	status := domain.PaymentStatusFailed
	if event.Event == domain.WebhookEventChargeSuccess {
		status = domain.PaymentStatusSuccess
	}

	var channel *string
	if data.Channel != "" {
		channel = &data.Channel
	}
	var paidAt *time.Time
	if data.PaidAt != "" {
		if t, err := time.Parse(time.RFC3339, data.PaidAt); err == nil {
			paidAt = &t
		}
	}

	intent := &domain.PaymentIntent{
		Reference:       data.Reference,
		UserID:          data.Metadata.UserID,
		GroupID:         data.Metadata.GroupID,
		Amount:          data.Amount,
		Purpose:         data.Metadata.Purpose,
		Status:          status,
		Verified:        true,
		GatewayResponse: raw,
		Channel:         channel,
		PaidAt:          paidAt,
	}
	if err := s.repo.UpsertPaymentIntentFromWebhook(ctx, intent); err != nil {
		return nil, fmt.Errorf("failed to record webhook event: %w", err)
	}

	if event.Event != domain.WebhookEventChargeSuccess {
		log.Printf("level=info component=app msg=\"charge failure recorded\" reference=%s event=%s", data.Reference, event.Event)
		return nil, nil
	}

	if data.Metadata.UserID == uuid.Nil || data.Metadata.GroupID == uuid.Nil || !isValidPurpose(data.Metadata.Purpose) {
		return nil, fmt.Errorf("%w: reference=%s", ErrMalformedChargeMetadata, data.Reference)
	}

	return s.ActivateMembership(ctx, domain.ActivationInput{
		Reference:         data.Reference,
		Amount:            data.Amount,
		Purpose:           data.Metadata.Purpose,
		UserID:            data.Metadata.UserID,
		GroupID:           data.Metadata.GroupID,
		PreferredPosition: data.Metadata.PreferredPosition,
		Cycle:             data.Metadata.Cycle,
	})
}
