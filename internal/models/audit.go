package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ActorTypeSeller  = "seller"
	ActorTypeBuyer   = "buyer"
	ActorTypeAdmin   = "admin"
	ActorTypeSystem  = "system"
	ActorTypeGateway = "gateway"
)

type AuditLog struct {
	ID          uuid.UUID  `json:"id"`
	ActorUserID *uuid.UUID `json:"actor_user_id,omitempty"`
	ActorType   string     `json:"actor_type"` // seller/buyer/admin/system/gateway
	Action      string     `json:"action"`
	EntityType  string     `json:"entity_type"`
	EntityID    *uuid.UUID `json:"entity_id,omitempty"`
	Meta        any        `json:"meta,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
