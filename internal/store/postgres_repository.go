/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the necessary SQL queries to interact with the
 * database tables related to payment intents, groups, memberships, the
 * contribution schedule and the ledger.
 *
 * Slot allocation runs inside a single transaction with the group row locked
 * (`SELECT ... FOR UPDATE`), so two users racing for the same group are
 * serialized at the storage layer rather than by any in-process lock. The
 * UNIQUE (group_id, position) constraint is the final arbiter; a violation
 * surfaces as ErrSlotTaken and the caller retries.
 *
 * @dependencies
 * - context, encoding/json, errors, fmt: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ajopool/membership-service/internal/domain"
)

var (
	ErrUserNotFound          = errors.New("user not found")
	ErrGroupNotFound         = errors.New("group not found")
	ErrGroupFull             = errors.New("group has no open slots")
	ErrMembershipNotFound    = errors.New("membership not found")
	ErrPaymentIntentNotFound = errors.New("payment intent not found")
	ErrDuplicateReference    = errors.New("payment reference already exists")
	ErrSlotTaken             = errors.New("rotation position already taken")
	ErrJoinRequestNotFound   = errors.New("approved join request not found")
	ErrGroupNotEmpty         = errors.New("group still has members")
	ErrNotGroupCreator       = errors.New("requester is not the group creator")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// FindUserIDByAuthSubject resolves the internal UUID from the auth provider
// subject id. The users table is managed by the auth-service during onboarding.
func (r *PostgresRepository) FindUserIDByAuthSubject(ctx context.Context, authSubject string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, "SELECT id FROM users WHERE auth_subject = $1", authSubject).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrUserNotFound
		}
		return "", err
	}
	return id, nil
}

// CreatePaymentIntent inserts a pending, unverified intent row. The unique
// reference is generated by the caller before any gateway interaction.
func (r *PostgresRepository) CreatePaymentIntent(ctx context.Context, intent *domain.PaymentIntent) error {
	query := `
		INSERT INTO payment_intents (reference, user_id, group_id, amount, purpose, status, verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, NOW(), NOW())
	`
	_, err := r.db.Exec(ctx, query, intent.Reference, intent.UserID, intent.GroupID, intent.Amount, intent.Purpose, domain.PaymentStatusPending)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateReference
		}
		return err
	}
	return nil
}

// FindPaymentIntentByReference retrieves an intent by its unique reference.
func (r *PostgresRepository) FindPaymentIntentByReference(ctx context.Context, reference string) (*domain.PaymentIntent, error) {
	var intent domain.PaymentIntent
	query := `
		SELECT reference, user_id, group_id, amount, purpose, status, verified, gateway_response, channel, paid_at, created_at, updated_at
		FROM payment_intents
		WHERE reference = $1
	`
	err := r.db.QueryRow(ctx, query, reference).Scan(
		&intent.Reference,
		&intent.UserID,
		&intent.GroupID,
		&intent.Amount,
		&intent.Purpose,
		&intent.Status,
		&intent.Verified,
		&intent.GatewayResponse,
		&intent.Channel,
		&intent.PaidAt,
		&intent.CreatedAt,
		&intent.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentIntentNotFound
		}
		return nil, err
	}
	return &intent, nil
}

// UpdatePaymentIntentVerification persists the gateway's answer for the
// synchronous verify path, regardless of outcome.
func (r *PostgresRepository) UpdatePaymentIntentVerification(ctx context.Context, reference, status string, verified bool, gatewayResponse json.RawMessage) error {
	query := `
		UPDATE payment_intents
		SET status = $2, verified = $3, gateway_response = $4, updated_at = NOW()
		WHERE reference = $1
	`
	result, err := r.db.Exec(ctx, query, reference, status, verified, gatewayResponse)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPaymentIntentNotFound
	}
	return nil
}

// UpsertPaymentIntentFromWebhook records a gateway delivery idempotently by
// reference. A terminal success is never downgraded by a late or replayed
// failure event.
func (r *PostgresRepository) UpsertPaymentIntentFromWebhook(ctx context.Context, intent *domain.PaymentIntent) error {
	query := `
		INSERT INTO payment_intents (reference, user_id, group_id, amount, purpose, status, verified, gateway_response, channel, paid_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (reference) DO UPDATE SET
			status = EXCLUDED.status,
			verified = EXCLUDED.verified,
			gateway_response = EXCLUDED.gateway_response,
			channel = COALESCE(EXCLUDED.channel, payment_intents.channel),
			paid_at = COALESCE(EXCLUDED.paid_at, payment_intents.paid_at),
			updated_at = NOW()
		WHERE payment_intents.status <> 'success' OR EXCLUDED.status = 'success'
	`
	_, err := r.db.Exec(ctx, query,
		intent.Reference,
		intent.UserID,
		intent.GroupID,
		intent.Amount,
		intent.Purpose,
		intent.Status,
		intent.Verified,
		intent.GatewayResponse,
		intent.Channel,
		intent.PaidAt,
	)
	return err
}

// FindGroupByID retrieves a group's rotation state.
func (r *PostgresRepository) FindGroupByID(ctx context.Context, groupID uuid.UUID) (*domain.Group, error) {
	var group domain.Group
	query := `
		SELECT id, creator_id, name, contribution_amount, security_deposit, total_members, current_members, status, created_at
		FROM groups
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, groupID).Scan(
		&group.ID,
		&group.CreatorID,
		&group.Name,
		&group.ContributionAmount,
		&group.SecurityDeposit,
		&group.TotalMembers,
		&group.CurrentMembers,
		&group.Status,
		&group.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	return &group, nil
}

// FindMembership retrieves the membership row for (group, user).
func (r *PostgresRepository) FindMembership(ctx context.Context, groupID, userID uuid.UUID) (*domain.GroupMembership, error) {
	var m domain.GroupMembership
	query := `
		SELECT group_id, user_id, position, deposit_paid, status, joined_at, paid_at
		FROM group_memberships
		WHERE group_id = $1 AND user_id = $2
	`
	err := r.db.QueryRow(ctx, query, groupID, userID).Scan(
		&m.GroupID,
		&m.UserID,
		&m.Position,
		&m.DepositPaid,
		&m.Status,
		&m.JoinedAt,
		&m.PaidAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrMembershipNotFound
		}
		return nil, err
	}
	return &m, nil
}

// AllocateSlot reserves a rotation position for the user. The group row is
// locked for the duration of the transaction so concurrent allocations in
// the same group line up behind each other; allocations in different groups
// do not contend.
func (r *PostgresRepository) AllocateSlot(ctx context.Context, groupID, userID uuid.UUID, preferredPosition int) (*domain.GroupMembership, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	var totalMembers, currentMembers int
	var groupStatus string
	err = tx.QueryRow(ctx, "SELECT total_members, current_members, status FROM groups WHERE id = $1 FOR UPDATE", groupID).
		Scan(&totalMembers, &currentMembers, &groupStatus)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, ErrGroupNotFound
		}
		return nil, false, err
	}
	if currentMembers >= totalMembers {
		return nil, false, ErrGroupFull
	}

	rows, err := tx.Query(ctx, "SELECT position FROM group_memberships WHERE group_id = $1", groupID)
	if err != nil {
		return nil, false, err
	}
	occupied := make(map[int]bool, totalMembers)
	for rows.Next() {
		var pos int
		if err := rows.Scan(&pos); err != nil {
			rows.Close()
			return nil, false, err
		}
		occupied[pos] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	position, err := ChooseRotationPosition(occupied, totalMembers, preferredPosition)
	if err != nil {
		return nil, false, ErrGroupFull
	}

	var m domain.GroupMembership
	insert := `
		INSERT INTO group_memberships (group_id, user_id, position, deposit_paid, status, joined_at)
		VALUES ($1, $2, $3, false, $4, NOW())
		RETURNING group_id, user_id, position, deposit_paid, status, joined_at, paid_at
	`
	err = tx.QueryRow(ctx, insert, groupID, userID, position, domain.MembershipStatusPending).Scan(
		&m.GroupID,
		&m.UserID,
		&m.Position,
		&m.DepositPaid,
		&m.Status,
		&m.JoinedAt,
		&m.PaidAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, ErrSlotTaken
		}
		return nil, false, err
	}

	var newCount int
	err = tx.QueryRow(ctx, "UPDATE groups SET current_members = current_members + 1 WHERE id = $1 RETURNING current_members", groupID).Scan(&newCount)
	if err != nil {
		return nil, false, err
	}

	groupActivated := false
	if newCount == totalMembers && groupStatus == domain.GroupStatusForming {
		if _, err := tx.Exec(ctx, "UPDATE groups SET status = $2 WHERE id = $1", groupID, domain.GroupStatusActive); err != nil {
			return nil, false, err
		}
		groupActivated = true
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return &m, groupActivated, nil
}

// ActivateMembership flips the membership to paid and active. This is the
// single state transition that admits a member; everything before it is
// reversible.
func (r *PostgresRepository) ActivateMembership(ctx context.Context, groupID, userID uuid.UUID) (*domain.GroupMembership, error) {
	var m domain.GroupMembership
	query := `
		UPDATE group_memberships
		SET deposit_paid = true, status = $3, paid_at = NOW()
		WHERE group_id = $1 AND user_id = $2
		RETURNING group_id, user_id, position, deposit_paid, status, joined_at, paid_at
	`
	err := r.db.QueryRow(ctx, query, groupID, userID, domain.MembershipStatusActive).Scan(
		&m.GroupID,
		&m.UserID,
		&m.Position,
		&m.DepositPaid,
		&m.Status,
		&m.JoinedAt,
		&m.PaidAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrMembershipNotFound
		}
		return nil, err
	}
	return &m, nil
}

// UpsertContribution records a cycle payment idempotently on
// (group_id, user_id, cycle). Webhook redelivery lands on the same row.
func (r *PostgresRepository) UpsertContribution(ctx context.Context, contribution *domain.Contribution) error {
	query := `
		INSERT INTO contributions (id, group_id, user_id, cycle, amount, status, payment_reference, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (group_id, user_id, cycle) DO UPDATE SET
			amount = EXCLUDED.amount,
			status = EXCLUDED.status,
			payment_reference = EXCLUDED.payment_reference,
			paid_at = EXCLUDED.paid_at
	`
	_, err := r.db.Exec(ctx, query,
		contribution.ID,
		contribution.GroupID,
		contribution.UserID,
		contribution.Cycle,
		contribution.Amount,
		contribution.Status,
		contribution.PaymentReference,
		contribution.PaidAt,
	)
	return err
}

// AppendLedgerEntry appends one ledger row. The suffixed payment reference
// is unique, so a redelivered event simply no-ops instead of duplicating
// the financial record.
func (r *PostgresRepository) AppendLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (id, user_id, group_id, type, amount, status, payment_reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (payment_reference) DO NOTHING
	`
	_, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.UserID,
		entry.GroupID,
		entry.Type,
		entry.Amount,
		entry.Status,
		entry.PaymentReference,
	)
	return err
}

// FindApprovedJoinRequest returns the approved join request for (group, user).
func (r *PostgresRepository) FindApprovedJoinRequest(ctx context.Context, groupID, userID uuid.UUID) (*domain.JoinRequest, error) {
	var jr domain.JoinRequest
	query := `
		SELECT id, group_id, user_id, COALESCE(preferred_position, 0), status, created_at
		FROM join_requests
		WHERE group_id = $1 AND user_id = $2 AND status = $3
		ORDER BY created_at DESC
		LIMIT 1
	`
	err := r.db.QueryRow(ctx, query, groupID, userID, domain.JoinRequestStatusApproved).Scan(
		&jr.ID,
		&jr.GroupID,
		&jr.UserID,
		&jr.PreferredPosition,
		&jr.Status,
		&jr.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrJoinRequestNotFound
		}
		return nil, err
	}
	return &jr, nil
}

// MarkJoinRequestFulfilled closes out the originating join request after a
// successful activation.
func (r *PostgresRepository) MarkJoinRequestFulfilled(ctx context.Context, requestID uuid.UUID) error {
	query := `UPDATE join_requests SET status = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.db.Exec(ctx, query, requestID, domain.JoinRequestStatusFulfilled)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrJoinRequestNotFound
	}
	return nil
}

// DeleteOrphanedGroup removes a zero-member group provisioned by a creator
// whose payment never completed. The group row is locked first so a racing
// allocation cannot slip a member into a group being deleted.
func (r *PostgresRepository) DeleteOrphanedGroup(ctx context.Context, groupID, requesterID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var creatorID uuid.UUID
	var currentMembers int
	err = tx.QueryRow(ctx, "SELECT creator_id, current_members FROM groups WHERE id = $1 FOR UPDATE", groupID).
		Scan(&creatorID, &currentMembers)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrGroupNotFound
		}
		return err
	}
	if creatorID != requesterID {
		return ErrNotGroupCreator
	}
	if currentMembers != 0 {
		return ErrGroupNotEmpty
	}

	if _, err := tx.Exec(ctx, "DELETE FROM join_requests WHERE group_id = $1", groupID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "DELETE FROM groups WHERE id = $1", groupID); err != nil {
		return fmt.Errorf("failed to delete group %s: %w", groupID, err)
	}

	return tx.Commit(ctx)
}
