package domain

import (
	"time"

	"github.com/google/uuid"
)

// MemberActivatedEvent is published to RabbitMQ after a successful
// activation so the notification service can fan out to the member and the
// group creator. Delivery is fire-and-forget; activation never depends on it.
type MemberActivatedEvent struct {
	GroupID   uuid.UUID `json:"group_id"`
	UserID    uuid.UUID `json:"user_id"`
	Position  int       `json:"position"`
	Purpose   string    `json:"purpose"`
	Reference string    `json:"reference"`
	Timestamp time.Time `json:"timestamp"`
}

// GroupActivatedEvent is published when the last rotation slot is paid for
// and the group flips from forming to active.
type GroupActivatedEvent struct {
	GroupID      uuid.UUID `json:"group_id"`
	TotalMembers int       `json:"total_members"`
	Timestamp    time.Time `json:"timestamp"`
}
