package proxy

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/mofreitas/woodwork/core/jobs"
)

// Lifecycle event types raised into the event queue. The cascade workflow
// registers handlers for all of them.
const (
	EventBudgetCreated    = "budget-created"
	EventBudgetChanged    = "budget-changed"
	EventBudgetDeleted    = "budget-deleted"
	EventProjectDeleted   = "project-deleted"
	EventOwnerDeleted     = "owner-deleted"
	EventFurnitureCreated = "furniture-created"
	EventFurnitureRenamed = "furniture-renamed"
	EventFurnitureDeleted = "furniture-deleted"
)

// Eventer raises lifecycle events. Satisfied by *jobs.Queue.
type Eventer interface {
	RaiseEvent(ctx context.Context, event jobs.Event) error
	QueueEvent(ctx context.Context, event jobs.Event) error
}

// BudgetCreatedEvent is the payload of EventBudgetCreated.
type BudgetCreatedEvent struct {
	BudgetID string `json:"budget_id"`
}

// BudgetChangedEvent is the payload of EventBudgetChanged. Current is the
// broker representation before the change, Incoming the partial update
// request.
type BudgetChangedEvent struct {
	BudgetID string          `json:"budget_id"`
	Incoming json.RawMessage `json:"incoming"`
	Current  json.RawMessage `json:"current"`
}

// EntityDeletedEvent is the payload of EventBudgetDeleted,
// EventProjectDeleted and EventOwnerDeleted. The fields are captured from
// the entity before it is removed from the broker; by the time the
// handler runs the entity itself is gone.
type EntityDeletedEvent struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Owner string `json:"owner,omitempty"`
	Email string `json:"email,omitempty"`
}

// FurnitureCreatedEvent is the payload of EventFurnitureCreated. A batch
// create carries all succeeded ids at once.
type FurnitureCreatedEvent struct {
	IDs []string `json:"ids"`
}

// FurnitureRenamedEvent is the payload of EventFurnitureRenamed.
type FurnitureRenamedEvent struct {
	ID      string `json:"id"`
	OldName string `json:"old_name"`
}

// FurnitureDeletedEvent is the payload of EventFurnitureDeleted, captured
// before the broker delete.
type FurnitureDeletedEvent struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	FurnitureType string `json:"furniture_type"`
	Group         string `json:"group,omitempty"`
	SubGroup      string `json:"sub_group,omitempty"`
	Budget        string `json:"budget"`
}
