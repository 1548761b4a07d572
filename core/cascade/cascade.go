// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package cascade reacts to entity lifecycle events.

The context broker stores entities but knows nothing about the
relationships between them. This package subscribes to the lifecycle
events raised by the proxy and the bucket and performs the follow-up
work: deleting dependent entity trees, provisioning and maintaining the
customer folder structure, mirroring confirmed leftovers into the broker
and notifying about budget changes.

All handlers run on the persistent job queue. A handler returning an
error leaves the job in the queue for another attempt, so broker
outages do not lose cascades.
*/
package cascade

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/mofreitas/woodwork/core/bucket"
	"github.com/mofreitas/woodwork/core/jobs"
	"github.com/mofreitas/woodwork/core/logger"
	"github.com/mofreitas/woodwork/core/orion"
	"github.com/mofreitas/woodwork/core/proxy"
)

// Builder is a builder helper for the cascade Workflow
type Builder struct {
	// Broker is the context broker client. Mandatory.
	Broker *orion.Client
	// Bucket maintains the folder tree and the leftover records. Optional;
	// without it folder and leftover cascades are skipped.
	Bucket *bucket.Backend
	// Notifier delivers budget change notifications. Optional; defaults
	// to a notifier that only logs.
	Notifier Notifier
}

// Workflow owns the lifecycle event handlers.
type Workflow struct {
	broker   *orion.Client
	bucket   *bucket.Backend
	notifier Notifier
}

// Outcome reports what a delete cascade did. Returned for logging and
// tests rather than silently swallowed.
type Outcome struct {
	Entities int `json:"entities"`
	Folders  int `json:"folders"`
}

// New creates a cascade workflow. Panics on invalid builder input.
func New(b *Builder) *Workflow {
	if b.Broker == nil {
		panic("cascade: cannot create workflow without broker client")
	}
	notifier := b.Notifier
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Workflow{
		broker:   b.Broker,
		bucket:   b.Bucket,
		notifier: notifier,
	}
}

// Bind installs the workflow's handlers on the event queue. Must be
// called before the queue starts processing jobs.
func (w *Workflow) Bind(queue *jobs.Queue) {
	queue.HandleEvent(proxy.EventBudgetCreated, w.onBudgetCreated)
	queue.HandleEvent(proxy.EventBudgetChanged, w.onBudgetChanged)
	queue.HandleEvent(proxy.EventBudgetDeleted, w.onBudgetDeleted)
	queue.HandleEvent(proxy.EventProjectDeleted, w.onProjectDeleted)
	queue.HandleEvent(proxy.EventOwnerDeleted, w.onOwnerDeleted)
	queue.HandleEvent(proxy.EventFurnitureCreated, w.onFurnitureCreated)
	queue.HandleEvent(proxy.EventFurnitureRenamed, w.onFurnitureRenamed)
	queue.HandleEvent(proxy.EventFurnitureDeleted, w.onFurnitureDeleted)
	queue.HandleEvent(bucket.EventLeftoverConfirmed, w.onLeftoverConfirmed)
	queue.HandleEvent(bucket.EventLeftoverDeleted, w.onLeftoverDeleted)
}

func (w *Workflow) onBudgetCreated(ctx context.Context, event jobs.Event) error {
	var payload proxy.BudgetCreatedEvent
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5001: malformed budget-created payload")
		return nil // malformed payloads never become processable
	}
	return w.ProvisionBudgetFolders(ctx, payload.BudgetID)
}

func (w *Workflow) onBudgetChanged(ctx context.Context, event jobs.Event) error {
	var payload proxy.BudgetChangedEvent
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5002: malformed budget-changed payload")
		return nil
	}
	return w.NotifyBudgetChanged(ctx, payload)
}

func (w *Workflow) onBudgetDeleted(ctx context.Context, event jobs.Event) error {
	var payload proxy.EntityDeletedEvent
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5003: malformed budget-deleted payload")
		return nil
	}
	outcome, err := w.DeleteBudgetCascade(ctx, payload.ID)
	if err != nil {
		return err
	}
	logger.FromContext(ctx).Infof("budget %s cascade: %d entities, %d folders", payload.ID, outcome.Entities, outcome.Folders)
	return nil
}

func (w *Workflow) onProjectDeleted(ctx context.Context, event jobs.Event) error {
	var payload proxy.EntityDeletedEvent
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5004: malformed project-deleted payload")
		return nil
	}
	outcome, err := w.DeleteProjectCascade(ctx, payload.ID)
	if err != nil {
		return err
	}
	logger.FromContext(ctx).Infof("project %s cascade: %d entities", payload.ID, outcome.Entities)
	return nil
}

func (w *Workflow) onOwnerDeleted(ctx context.Context, event jobs.Event) error {
	var payload proxy.EntityDeletedEvent
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5005: malformed owner-deleted payload")
		return nil
	}
	outcome, err := w.DeleteOwnerCascade(ctx, payload.ID, payload.Email)
	if err != nil {
		return err
	}
	logger.FromContext(ctx).Infof("owner %s cascade: %d entities, %d folders", payload.ID, outcome.Entities, outcome.Folders)
	return nil
}

func (w *Workflow) onFurnitureCreated(ctx context.Context, event jobs.Event) error {
	var payload proxy.FurnitureCreatedEvent
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5006: malformed furniture-created payload")
		return nil
	}
	for _, id := range payload.IDs {
		if err := w.EnsureFurnitureFolder(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workflow) onFurnitureRenamed(ctx context.Context, event jobs.Event) error {
	var payload proxy.FurnitureRenamedEvent
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5007: malformed furniture-renamed payload")
		return nil
	}
	return w.RenameFurnitureFolder(ctx, payload.ID, payload.OldName)
}

func (w *Workflow) onFurnitureDeleted(ctx context.Context, event jobs.Event) error {
	var payload proxy.FurnitureDeletedEvent
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5008: malformed furniture-deleted payload")
		return nil
	}
	outcome, err := w.DeleteFurnitureCascade(ctx, payload)
	if err != nil {
		return err
	}
	logger.FromContext(ctx).Infof("furniture %s cascade: %d entities, %d folders", payload.ID, outcome.Entities, outcome.Folders)
	return nil
}

func (w *Workflow) onLeftoverConfirmed(ctx context.Context, event jobs.Event) error {
	var payload bucket.LeftoverEvent
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5009: malformed leftover-confirmed payload")
		return nil
	}
	return w.MirrorLeftover(ctx, payload.ID)
}

func (w *Workflow) onLeftoverDeleted(ctx context.Context, event jobs.Event) error {
	var payload bucket.LeftoverEvent
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5010: malformed leftover-deleted payload")
		return nil
	}
	return w.RemoveLeftoverMirror(ctx, payload.ID)
}

// DeleteBudgetCascade removes everything dependent on a deleted budget:
// the broker entity tree and the budget's folder subtree.
func (w *Workflow) DeleteBudgetCascade(ctx context.Context, budgetID string) (Outcome, error) {
	m, err := w.MapBudget(ctx, budgetID)
	if err != nil {
		return Outcome{}, err
	}
	deleted, err := w.BatchDelete(ctx, m)
	if err != nil {
		return Outcome{}, err
	}
	folders, err := w.deleteBudgetFolders(ctx, budgetID)
	return Outcome{Entities: deleted, Folders: folders}, err
}

// DeleteProjectCascade removes everything dependent on a deleted
// project. Folders belong to the budget, not the project, so only broker
// entities go.
func (w *Workflow) DeleteProjectCascade(ctx context.Context, projectID string) (Outcome, error) {
	m, err := w.MapProject(ctx, projectID)
	if err != nil {
		return Outcome{}, err
	}
	deleted, err := w.BatchDelete(ctx, m)
	return Outcome{Entities: deleted}, err
}

// DeleteOwnerCascade removes everything owned by a deleted customer:
// all budgets with their trees and the customer's whole folder tree.
func (w *Workflow) DeleteOwnerCascade(ctx context.Context, ownerID, email string) (Outcome, error) {
	m, err := w.MapOwner(ctx, ownerID)
	if err != nil {
		return Outcome{}, err
	}
	deleted, err := w.BatchDelete(ctx, m)
	if err != nil {
		return Outcome{}, err
	}
	folders, err := w.deleteOwnerFolders(ctx, email)
	return Outcome{Entities: deleted, Folders: folders}, err
}

// DeleteFurnitureCascade removes the modules of a deleted furniture and
// its folder. The furniture itself is already gone from the broker, the
// event payload carries the context needed to find the folder.
func (w *Workflow) DeleteFurnitureCascade(ctx context.Context, furniture proxy.FurnitureDeletedEvent) (Outcome, error) {
	modules, err := w.query(ctx, orion.TypeModule, "belongsToFurniture", furniture.ID)
	if err != nil {
		return Outcome{}, err
	}
	deleted, err := w.BatchDelete(ctx, Map{orion.TypeModule: modules})
	if err != nil {
		return Outcome{}, err
	}
	folders, err := w.deleteFurnitureFolder(ctx, furniture)
	return Outcome{Entities: deleted, Folders: folders}, err
}
