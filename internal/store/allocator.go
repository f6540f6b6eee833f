package store

import "errors"

// ErrNoFreePosition is returned when every rotation position in the group is
// already occupied.
var ErrNoFreePosition = errors.New("no free rotation position")

// ChooseRotationPosition picks the position to reserve for a new member.
// If preferred is in range 1..totalMembers and unoccupied it is honored;
// otherwise the lowest unoccupied position wins. The lowest-free fallback is
// deliberate and load-bearing: payout order follows position, so the
// tie-break must be deterministic.
func ChooseRotationPosition(occupied map[int]bool, totalMembers, preferred int) (int, error) {
	if preferred >= 1 && preferred <= totalMembers && !occupied[preferred] {
		return preferred, nil
	}
	for pos := 1; pos <= totalMembers; pos++ {
		if !occupied[pos] {
			return pos, nil
		}
	}
	return 0, ErrNoFreePosition
}
