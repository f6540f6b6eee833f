package app

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/ajopool/membership-service/internal/domain"
)

// The verify path and the webhook path can both reach the activator with the
// same confirmed charge, possibly from different processes. The persisted
// predicates must collapse the pair into exactly one applied side-effect set.
func TestActivateMembership_DualPathRaceAppliesSideEffectsOnce(t *testing.T) {
	for iteration := 0; iteration < 50; iteration++ {
		creatorID := uuid.New()
		group := newTestGroup(creatorID)
		repo := newActivationRepoStub(group)
		svc := &Service{repo: repo}

		input := domain.ActivationInput{
			Reference:         fmt.Sprintf("ajo_ref_race_%d", iteration),
			Amount:            600000,
			Purpose:           domain.PurposeGroupCreation,
			UserID:            creatorID,
			GroupID:           group.ID,
			PreferredPosition: 1,
		}

		var wg sync.WaitGroup
		results := make([]*domain.ActivationResult, 2)
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = svc.ActivateMembership(context.Background(), input)
			}(i)
		}
		wg.Wait()

		for i := 0; i < 2; i++ {
			if errs[i] != nil {
				t.Fatalf("iteration %d path %d returned error: %v", iteration, i, errs[i])
			}
			if !results[i].Admitted {
				t.Fatalf("iteration %d path %d did not admit", iteration, i)
			}
			if results[i].Position != 1 {
				t.Fatalf("iteration %d path %d got position %d, want 1", iteration, i, results[i].Position)
			}
		}
		if got := len(repo.memberships); got != 1 {
			t.Fatalf("iteration %d: expected one membership row, got %d", iteration, got)
		}
		if got := repo.contributionCount(); got != 1 {
			t.Fatalf("iteration %d: expected one contribution row, got %d", iteration, got)
		}
		if got := repo.ledgerCount(); got != 2 {
			t.Fatalf("iteration %d: expected two ledger rows, got %d", iteration, got)
		}
	}
}

// Concurrent joiners paying for the same group must end up on distinct
// rotation positions covering 1..N with no position assigned twice.
func TestActivateMembership_ConcurrentJoinersGetDistinctPositions(t *testing.T) {
	creatorID := uuid.New()
	group := newTestGroup(creatorID)
	group.TotalMembers = 8
	repo := newActivationRepoStub(group)
	svc := &Service{repo: repo}

	if _, err := svc.ActivateMembership(context.Background(), domain.ActivationInput{
		Reference: "ajo_ref_seed",
		Amount:    600000,
		Purpose:   domain.PurposeGroupCreation,
		UserID:    creatorID,
		GroupID:   group.ID,
	}); err != nil {
		t.Fatalf("creator activation returned error: %v", err)
	}

	joiners := make([]uuid.UUID, 7)
	for i := range joiners {
		joiners[i] = uuid.New()
	}
	// Every joiner has an approved request; all prefer position 2 so the
	// losers exercise the lowest-free fallback under contention.
	requestIDs := make(map[uuid.UUID]uuid.UUID, len(joiners))
	for _, joiner := range joiners {
		requestIDs[joiner] = uuid.New()
	}
	repo.findJoinRequest = func(groupID, userID uuid.UUID) (*domain.JoinRequest, error) {
		id, ok := requestIDs[userID]
		if !ok {
			return nil, fmt.Errorf("unexpected joiner %s", userID)
		}
		return &domain.JoinRequest{
			ID:                id,
			GroupID:           groupID,
			UserID:            userID,
			PreferredPosition: 2,
			Status:            domain.JoinRequestStatusApproved,
		}, nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(joiners))
	for i, joiner := range joiners {
		wg.Add(1)
		go func(i int, joiner uuid.UUID) {
			defer wg.Done()
			_, errs[i] = svc.ActivateMembership(context.Background(), domain.ActivationInput{
				Reference: fmt.Sprintf("ajo_ref_joiner_%d", i),
				Amount:    600000,
				Purpose:   domain.PurposeGroupJoin,
				UserID:    joiner,
				GroupID:   group.ID,
			})
		}(i, joiner)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("joiner %d returned error: %v", i, err)
		}
	}

	seen := make(map[int]bool)
	for userID, membership := range repo.memberships {
		if seen[membership.Position] {
			t.Fatalf("position %d assigned twice", membership.Position)
		}
		seen[membership.Position] = true
		if !membership.DepositPaid {
			t.Fatalf("member %s not marked deposit paid", userID)
		}
	}
	for pos := 1; pos <= group.TotalMembers; pos++ {
		if !seen[pos] {
			t.Fatalf("position %d never assigned", pos)
		}
	}
	if repo.group.Status != domain.GroupStatusActive {
		t.Fatalf("expected full group to activate, got %q", repo.group.Status)
	}
}
