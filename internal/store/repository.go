/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the membership-service. By
 * defining an interface, we decouple the activation business logic from the
 * specific database implementation (e.g., PostgreSQL), making the code more
 * modular and easier to test.
 *
 * @dependencies
 * - context, encoding/json: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ajopool/membership-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// User resolution
	// Resolve internal UUID from the auth provider subject id.
	FindUserIDByAuthSubject(ctx context.Context, authSubject string) (string, error)

	// Payment intent methods
	CreatePaymentIntent(ctx context.Context, intent *domain.PaymentIntent) error
	FindPaymentIntentByReference(ctx context.Context, reference string) (*domain.PaymentIntent, error)
	UpdatePaymentIntentVerification(ctx context.Context, reference, status string, verified bool, gatewayResponse json.RawMessage) error
	// UpsertPaymentIntentFromWebhook records a gateway-delivered event
	// idempotently by reference, creating the intent row if the recorder
	// never ran. Called before any business logic so every delivery leaves
	// an audit trace.
	UpsertPaymentIntentFromWebhook(ctx context.Context, intent *domain.PaymentIntent) error

	// Group and membership methods
	FindGroupByID(ctx context.Context, groupID uuid.UUID) (*domain.Group, error)
	FindMembership(ctx context.Context, groupID, userID uuid.UUID) (*domain.GroupMembership, error)
	// AllocateSlot binds the user to a rotation position inside a single
	// transaction serialized per group. The bool return reports whether the
	// allocation filled the group and flipped it from forming to active.
	AllocateSlot(ctx context.Context, groupID, userID uuid.UUID, preferredPosition int) (*domain.GroupMembership, bool, error)
	ActivateMembership(ctx context.Context, groupID, userID uuid.UUID) (*domain.GroupMembership, error)

	// Ledger methods
	UpsertContribution(ctx context.Context, contribution *domain.Contribution) error
	AppendLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error

	// Join request methods
	FindApprovedJoinRequest(ctx context.Context, groupID, userID uuid.UUID) (*domain.JoinRequest, error)
	MarkJoinRequestFulfilled(ctx context.Context, requestID uuid.UUID) error

	// Compensation methods
	DeleteOrphanedGroup(ctx context.Context, groupID, requesterID uuid.UUID) error
}
