/**
 * @description
 * This file defines the group and membership domain models for the
 * membership-service. These structs map to the shared Postgres tables that
 * the wider Ajo backend operates on; this service owns the payment-gated
 * transition of a membership from unpaid to active and the rotation-slot
 * assignment that comes with it.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Group statuses. A group forms until every rotation slot is paid for, then
// activates; completion and cancellation are managed elsewhere.
const (
	GroupStatusForming   = "forming"
	GroupStatusActive    = "active"
	GroupStatusCompleted = "completed"
	GroupStatusCancelled = "cancelled"
)

// Membership statuses.
const (
	MembershipStatusPending = "pending"
	MembershipStatusActive  = "active"
	MembershipStatusRemoved = "removed"
)

// Join request statuses.
const (
	JoinRequestStatusPending   = "pending"
	JoinRequestStatusApproved  = "approved"
	JoinRequestStatusFulfilled = "fulfilled"
	JoinRequestStatusDeclined  = "declined"
)

// Ledger entry types.
const (
	LedgerTypeSecurityDeposit = "security_deposit"
	LedgerTypeContribution    = "contribution"
)

// LedgerEntryStatusCompleted marks settled ledger rows.
const LedgerEntryStatusCompleted = "completed"

// Group represents the rotation state of a savings group. Maps to the
// `groups` table. CurrentMembers counts paid, active memberships only.
type Group struct {
	ID                 uuid.UUID `json:"id"`
	CreatorID          uuid.UUID `json:"creator_id"`
	Name               string    `json:"name"`
	ContributionAmount int64     `json:"contribution_amount"` // per cycle, in kobo
	SecurityDeposit    int64     `json:"security_deposit"`    // in kobo
	TotalMembers       int       `json:"total_members"`
	CurrentMembers     int       `json:"current_members"`
	Status             string    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
}

// GroupMembership maps to the `group_memberships` table, keyed by
// (group_id, user_id). Position is unique within a group and assigned
// exactly once; it is never reassigned after allocation.
type GroupMembership struct {
	GroupID     uuid.UUID  `json:"group_id"`
	UserID      uuid.UUID  `json:"user_id"`
	Position    int        `json:"position"`
	DepositPaid bool       `json:"deposit_paid"`
	Status      string     `json:"status"`
	JoinedAt    time.Time  `json:"joined_at"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
}

// Contribution maps to the `contributions` table. Rows are upserted
// idempotently on (group_id, user_id, cycle) so webhook redelivery can
// never duplicate a cycle payment.
type Contribution struct {
	ID               uuid.UUID `json:"id"`
	GroupID          uuid.UUID `json:"group_id"`
	UserID           uuid.UUID `json:"user_id"`
	Cycle            int       `json:"cycle"`
	Amount           int64     `json:"amount"` // in kobo
	Status           string    `json:"status"`
	PaymentReference string    `json:"payment_reference"`
	PaidAt           time.Time `json:"paid_at"`
}

// LedgerEntry maps to the append-only `ledger_entries` table. The
// PaymentReference carries a per-type suffix (e.g. "ref/deposit") so the
// deposit and first-contribution rows of one payment both trace back to the
// same intent without colliding on the unique reference column.
type LedgerEntry struct {
	ID               uuid.UUID `json:"id"`
	UserID           uuid.UUID `json:"user_id"`
	GroupID          uuid.UUID `json:"group_id"`
	Type             string    `json:"type"`
	Amount           int64     `json:"amount"` // in kobo
	Status           string    `json:"status"`
	PaymentReference string    `json:"payment_reference"`
	CreatedAt        time.Time `json:"created_at"`
}

// JoinRequest maps to the `join_requests` table. Approval happens outside
// this service; the activator only consumes approved requests and marks
// them fulfilled after a successful activation.
type JoinRequest struct {
	ID                uuid.UUID `json:"id"`
	GroupID           uuid.UUID `json:"group_id"`
	UserID            uuid.UUID `json:"user_id"`
	PreferredPosition int       `json:"preferred_position"` // 0 means no preference
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
}
