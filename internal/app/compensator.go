package app

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
)

// DeleteOrphanedGroup removes a group whose would-be creator never completed
// payment. Provisioned groups cost nothing until a member pays, but a
// cancelled or abandoned checkout would otherwise leave a zero-member orphan
// behind forever. The store enforces both permission checks: only the
// recorded creator may delete, and only while the group has no members.
func (s *Service) DeleteOrphanedGroup(ctx context.Context, groupID, requesterID uuid.UUID) error {
	if err := s.repo.DeleteOrphanedGroup(ctx, groupID, requesterID); err != nil {
		return fmt.Errorf("failed to delete orphaned group: %w", err)
	}
	log.Printf("level=info component=app msg=\"orphaned group deleted\" group_id=%s requester_id=%s", groupID, requesterID)
	return nil
}
