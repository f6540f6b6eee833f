/**
 * @description
 * This file contains the membership activator, the idempotent core of the
 * payment-gated admission flow. Both trigger paths — the synchronous verify
 * call and the asynchronous gateway webhook — converge here with the same
 * gateway-confirmed facts, and the first one to commit wins. Safety under
 * that race rests on persisted state predicates (the membership's
 * deposit-paid flag, the unique contribution key, the unique ledger
 * reference), not on any in-process lock: the two paths may run in
 * different processes.
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
	"github.com/ajopool/membership-service/internal/store"
)

// requiredAmount computes the minimum gateway-confirmed amount for a purpose.
// Creation and join both require the first contribution plus the security
// deposit; a scheduled contribution requires the cycle amount only.
func requiredAmount(group *domain.Group, purpose string) int64 {
	if purpose == domain.PurposeContribution {
		return group.ContributionAmount
	}
	return group.ContributionAmount + group.SecurityDeposit
}

// ActivateMembership turns a confirmed payment into a durable, exactly-once
// admission. Invoking it twice for the same reference/user/group applies the
// side-effect set once; the second invocation reports an idempotent duplicate.
func (s *Service) ActivateMembership(ctx context.Context, in domain.ActivationInput) (*domain.ActivationResult, error) {
	group, err := s.repo.FindGroupByID(ctx, in.GroupID)
	if err != nil {
		return nil, err
	}

	// 1. Idempotency check: the persisted deposit-paid flag is the predicate
	// that makes the dual-path race safe. Whichever path committed first
	// already applied every side effect below.
	membership, err := s.repo.FindMembership(ctx, in.GroupID, in.UserID)
	if err != nil && !errors.Is(err, store.ErrMembershipNotFound) {
		return nil, fmt.Errorf("failed to load membership: %w", err)
	}
	if membership != nil && membership.DepositPaid {
		return &domain.ActivationResult{
			Admitted:            true,
			Position:            membership.Position,
			IdempotentDuplicate: true,
		}, nil
	}

	// 2. Amount validation against the gateway-confirmed amount. Nothing has
	// been written yet, so a mismatch is terminal and side-effect free.
	if required := requiredAmount(group, in.Purpose); in.Amount < required {
		return nil, fmt.Errorf("%w: confirmed %d kobo, required %d kobo", ErrAmountMismatch, in.Amount, required)
	}

	// 3. Admission: allocate a rotation position if this user has none yet.
	var joinRequest *domain.JoinRequest
	groupActivated := false
	if membership == nil {
		preferred := in.PreferredPosition
		switch in.Purpose {
		case domain.PurposeGroupCreation:
			if in.UserID != group.CreatorID {
				return nil, store.ErrNotGroupCreator
			}
		case domain.PurposeGroupJoin:
			joinRequest, err = s.repo.FindApprovedJoinRequest(ctx, in.GroupID, in.UserID)
			if err != nil {
				return nil, err
			}
			if preferred == 0 {
				preferred = joinRequest.PreferredPosition
			}
		default:
			// A scheduled contribution presumes an admitted member.
			return nil, store.ErrMembershipNotFound
		}

		membership, groupActivated, err = s.allocateSlotWithRetry(ctx, in.GroupID, in.UserID, preferred)
		if err != nil {
			return nil, err
		}
	}

	// 4. Status transition: deposit paid, membership active.
	activated, err := s.repo.ActivateMembership(ctx, in.GroupID, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to activate membership: %w", err)
	}

	// 5. Ledger writes, each idempotent under redelivery. The per-type
	// reference suffix lets both rows trace to one payment without
	// colliding on the unique reference column.
	cycle := in.Cycle
	if cycle == 0 {
		cycle = 1
	}
	contribution := &domain.Contribution{
		ID:               uuid.New(),
		GroupID:          in.GroupID,
		UserID:           in.UserID,
		Cycle:            cycle,
		Amount:           group.ContributionAmount,
		Status:           domain.LedgerEntryStatusCompleted,
		PaymentReference: in.Reference,
		PaidAt:           time.Now().UTC(),
	}
	if err := s.repo.UpsertContribution(ctx, contribution); err != nil {
		return nil, fmt.Errorf("failed to record contribution: %w", err)
	}

	if in.Purpose != domain.PurposeContribution {
		deposit := &domain.LedgerEntry{
			ID:               uuid.New(),
			UserID:           in.UserID,
			GroupID:          in.GroupID,
			Type:             domain.LedgerTypeSecurityDeposit,
			Amount:           group.SecurityDeposit,
			Status:           domain.LedgerEntryStatusCompleted,
			PaymentReference: in.Reference + "/deposit",
		}
		if err := s.repo.AppendLedgerEntry(ctx, deposit); err != nil {
			return nil, fmt.Errorf("failed to append deposit ledger entry: %w", err)
		}
	}
	entry := &domain.LedgerEntry{
		ID:               uuid.New(),
		UserID:           in.UserID,
		GroupID:          in.GroupID,
		Type:             domain.LedgerTypeContribution,
		Amount:           group.ContributionAmount,
		Status:           domain.LedgerEntryStatusCompleted,
		PaymentReference: in.Reference + "/contribution",
	}
	if err := s.repo.AppendLedgerEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to append contribution ledger entry: %w", err)
	}

	// 6. Secondary bookkeeping. Payment and membership correctness take
	// priority over bookkeeping completeness: failures here are logged only.
	if joinRequest != nil {
		if err := s.repo.MarkJoinRequestFulfilled(ctx, joinRequest.ID); err != nil {
			log.Printf("WARN: failed to mark join request fulfilled: request_id=%s err=%v", joinRequest.ID, err)
		}
	}
	s.publishActivationEvents(ctx, in, activated.Position, group, groupActivated)

	return &domain.ActivationResult{
		Admitted: true,
		Position: activated.Position,
	}, nil
}

// allocateSlotWithRetry retries allocation a bounded number of times when a
// concurrent attempt in the same group takes the chosen position first. A
// racing duplicate of this same (group, user) pair resolves by reusing the
// row the winner inserted.
func (s *Service) allocateSlotWithRetry(ctx context.Context, groupID, userID uuid.UUID, preferred int) (*domain.GroupMembership, bool, error) {
	var lastErr error
	for attempt := 0; attempt < slotAllocationRetries; attempt++ {
		membership, groupActivated, err := s.repo.AllocateSlot(ctx, groupID, userID, preferred)
		if err == nil {
			return membership, groupActivated, nil
		}
		if !errors.Is(err, store.ErrSlotTaken) {
			return nil, false, err
		}

		// The conflicting insert may have been our own duplicate from the
		// other trigger path.
		if existing, findErr := s.repo.FindMembership(ctx, groupID, userID); findErr == nil {
			return existing, false, nil
		}
		log.Printf("level=warn component=app msg=\"slot allocation conflict; retrying\" group_id=%s user_id=%s attempt=%d", groupID, userID, attempt+1)
		lastErr = err
	}
	return nil, false, fmt.Errorf("%w: %v", ErrSlotRetryExhausted, lastErr)
}

// publishActivationEvents notifies downstream consumers. Fire-and-forget:
// a broker hiccup never fails an activation that already committed.
func (s *Service) publishActivationEvents(ctx context.Context, in domain.ActivationInput, position int, group *domain.Group, groupActivated bool) {
	if s.events == nil {
		return
	}
	now := time.Now().UTC()
	if err := s.events.PublishMemberActivated(ctx, domain.MemberActivatedEvent{
		GroupID:   in.GroupID,
		UserID:    in.UserID,
		Position:  position,
		Purpose:   in.Purpose,
		Reference: in.Reference,
		Timestamp: now,
	}); err != nil {
		log.Printf("WARN: failed to publish member activated event: group_id=%s user_id=%s err=%v", in.GroupID, in.UserID, err)
	}
	if groupActivated {
		if err := s.events.PublishGroupActivated(ctx, domain.GroupActivatedEvent{
			GroupID:      group.ID,
			TotalMembers: group.TotalMembers,
			Timestamp:    now,
		}); err != nil {
			log.Printf("WARN: failed to publish group activated event: group_id=%s err=%v", group.ID, err)
		}
	}
}
