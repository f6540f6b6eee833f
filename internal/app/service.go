/**
 * @description
 * This file contains the core business logic for the membership-service. The
 * `Service` struct orchestrates the payment-gated activation flow,
 * coordinating between the database repository, the Paystack API client, and
 * the message broker.
 *
 * Key features:
 * - Records payment intents with collision-free references before any
 *   gateway interaction.
 * - Implements the synchronous verify path: caller-ownership check, direct
 *   gateway verification, and hand-off to the idempotent membership
 *   activator.
 * - Publishes activation events to RabbitMQ for asynchronous processing by
 *   the notification service.
 *
 * @dependencies
 * - context, crypto/rand, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/paystackclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ajopool/membership-service/internal/domain"
	"github.com/ajopool/membership-service/internal/store"
	"github.com/ajopool/membership-service/pkg/paystackclient"
	"github.com/ajopool/membership-service/pkg/rabbitmq"
)

const (
	// referenceCreateAttempts bounds retries on a pathological reference collision.
	referenceCreateAttempts = 3
	// slotAllocationRetries bounds local retries when concurrent allocations
	// collide on a position before surfacing a terminal error.
	slotAllocationRetries = 3
)

var (
	ErrNotIntentOwner     = errors.New("caller does not own this payment intent")
	ErrInvalidPurpose     = errors.New("invalid payment purpose")
	ErrInvalidAmount      = errors.New("payment amount must be positive")
	ErrAmountMismatch     = errors.New("gateway-confirmed amount is insufficient")
	ErrGatewayUnreachable = errors.New("payment gateway unreachable")
	ErrSlotRetryExhausted = errors.New("slot allocation retries exhausted")
)

// Service provides the core business logic for payment-gated membership activation.
type Service struct {
	repo    store.Repository
	gateway *paystackclient.Client
	events  rabbitmq.Publisher
	limiter *RedisRateLimiter
}

// NewService creates a new membership service instance.
func NewService(repo store.Repository, gateway *paystackclient.Client, events rabbitmq.Publisher, limiter *RedisRateLimiter) *Service {
	return &Service{
		repo:    repo,
		gateway: gateway,
		events:  events,
		limiter: limiter,
	}
}

// ResolveInternalUserID converts an auth provider subject id into the
// internal UUID used by our database. This allows handlers to accept subject
// ids from validated JWTs while repositories continue to operate on UUIDs.
func (s *Service) ResolveInternalUserID(ctx context.Context, authSubject string) (string, error) {
	return s.repo.FindUserIDByAuthSubject(ctx, authSubject)
}

// ConsumeVerifyRateLimit applies the distributed per-user limit on the
// verify endpoint. A nil limiter disables limiting.
func (s *Service) ConsumeVerifyRateLimit(ctx context.Context, userID string, limit int) (int, int, error) {
	return s.limiter.ConsumeRateLimit(ctx, "payment_verify", userID, limit, time.Minute)
}

func isValidPurpose(purpose string) bool {
	switch purpose {
	case domain.PurposeGroupCreation, domain.PurposeGroupJoin, domain.PurposeContribution:
		return true
	}
	return false
}

// newPaymentReference generates a practically collision-free reference:
// nanosecond timestamp plus a random hex suffix.
func newPaymentReference() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate reference entropy: %w", err)
	}
	return fmt.Sprintf("ajo_%d_%s", time.Now().UnixNano(), hex.EncodeToString(buf)), nil
}

// CreatePaymentIntent records a pending, unverified payment intent before
// the client is handed off to the gateway checkout. The returned intent
// carries the reference the client must initialize the charge with.
func (s *Service) CreatePaymentIntent(ctx context.Context, userID uuid.UUID, req domain.CreatePaymentIntentRequest) (*domain.PaymentIntent, error) {
	if !isValidPurpose(req.Purpose) {
		return nil, ErrInvalidPurpose
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if _, err := s.repo.FindGroupByID(ctx, req.GroupID); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < referenceCreateAttempts; attempt++ {
		reference, err := newPaymentReference()
		if err != nil {
			return nil, err
		}

		intent := &domain.PaymentIntent{
			Reference: reference,
			UserID:    userID,
			GroupID:   req.GroupID,
			Amount:    req.Amount,
			Purpose:   req.Purpose,
			Status:    domain.PaymentStatusPending,
		}
		if err := s.repo.CreatePaymentIntent(ctx, intent); err != nil {
			if errors.Is(err, store.ErrDuplicateReference) {
				log.Printf("level=warn component=app msg=\"payment reference collision; regenerating\" reference=%s attempt=%d", reference, attempt+1)
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("failed to create payment intent: %w", err)
		}
		return intent, nil
	}
	return nil, fmt.Errorf("failed to create payment intent after %d attempts: %w", referenceCreateAttempts, lastErr)
}

// GetPaymentIntent returns the intent for status polling by its owner.
func (s *Service) GetPaymentIntent(ctx context.Context, callerUserID uuid.UUID, reference string) (*domain.PaymentIntent, error) {
	intent, err := s.repo.FindPaymentIntentByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if intent.UserID != callerUserID {
		return nil, ErrNotIntentOwner
	}
	return intent, nil
}

// GetMembership returns the membership row for (group, user).
func (s *Service) GetMembership(ctx context.Context, groupID, userID uuid.UUID) (*domain.GroupMembership, error) {
	return s.repo.FindMembership(ctx, groupID, userID)
}

// VerifyPayment is the synchronous trigger path. It asks the gateway
// directly whether the referenced charge succeeded and, if so, drives the
// same idempotent activator the webhook path uses. Whichever path completes
// first wins; the other observes already-applied state.
func (s *Service) VerifyPayment(ctx context.Context, callerUserID uuid.UUID, reference string) (*domain.VerifyPaymentResult, error) {
	// 1. Ownership check. The reference is not a secret; the intent owner is.
	intent, err := s.repo.FindPaymentIntentByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if intent.UserID != callerUserID {
		return nil, ErrNotIntentOwner
	}

	// 2. Short-circuit when the full side-effect set is already applied: the
	// webhook path won the race and there is nothing left to ask the gateway.
	if intent.Verified && intent.Status == domain.PaymentStatusSuccess {
		membership, err := s.repo.FindMembership(ctx, intent.GroupID, intent.UserID)
		if err == nil && membership.DepositPaid {
			return &domain.VerifyPaymentResult{
				Success:       true,
				Verified:      true,
				PaymentStatus: domain.PaymentStatusSuccess,
				Message:       "payment already processed",
				Activation: &domain.ActivationResult{
					Admitted:            true,
					Position:            membership.Position,
					IdempotentDuplicate: true,
				},
			}, nil
		}
	}

	// 3. Ask the gateway. The secret key stays server-side.
	resp, raw, err := s.gateway.VerifyTransaction(ctx, reference)
	if err != nil {
		var apiErr *paystackclient.ErrorResponse
		if errors.As(err, &apiErr) {
			// The gateway answered; record the failed verification attempt.
			if updateErr := s.repo.UpdatePaymentIntentVerification(ctx, reference, domain.PaymentStatusFailed, true, raw); updateErr != nil {
				log.Printf("level=error component=app msg=\"failed to persist gateway error response\" reference=%s err=%v", reference, updateErr)
			}
			return &domain.VerifyPaymentResult{
				Success:       false,
				Verified:      true,
				PaymentStatus: domain.PaymentStatusFailed,
				Message:       apiErr.Message,
			}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	}

	status := domain.PaymentStatusPending
	switch resp.Data.Status {
	case paystackclient.TransactionStatusSuccess:
		status = domain.PaymentStatusSuccess
	case "failed", "abandoned", "reversed":
		status = domain.PaymentStatusFailed
	}

	// 4. Persist the gateway's answer regardless of outcome.
	if err := s.repo.UpdatePaymentIntentVerification(ctx, reference, status, true, raw); err != nil {
		return nil, fmt.Errorf("failed to persist verification result: %w", err)
	}

	if status != domain.PaymentStatusSuccess {
		return &domain.VerifyPaymentResult{
			Success:       false,
			Verified:      true,
			PaymentStatus: status,
			Message:       fmt.Sprintf("gateway reports charge %s", resp.Data.Status),
		}, nil
	}

	// 5. Gateway confirmed success: drive the idempotent activator with the
	// gateway-confirmed amount, not the client-supplied one.
	activation, err := s.ActivateMembership(ctx, domain.ActivationInput{
		Reference: reference,
		Amount:    resp.Data.Amount,
		Purpose:   intent.Purpose,
		UserID:    intent.UserID,
		GroupID:   intent.GroupID,
	})
	if err != nil {
		return nil, err
	}

	return &domain.VerifyPaymentResult{
		Success:       true,
		Verified:      true,
		PaymentStatus: domain.PaymentStatusSuccess,
		Activation:    activation,
	}, nil
}
