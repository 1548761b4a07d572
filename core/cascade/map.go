// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package cascade

import (
	"context"
	"fmt"

	"github.com/mofreitas/woodwork/core/orion"
)

// Map collects the broker entities transitively dependent on a deleted
// root entity, grouped by entity type. The broker enforces none of these
// chains itself, whoever deletes a root must collect and delete the whole
// closure or leave orphans behind.
type Map map[string][]string

// IDs flattens the map into the id list for the batch delete.
func (m Map) IDs() []string {
	var ids []string
	for _, entities := range m {
		ids = append(ids, entities...)
	}
	return ids
}

func (m Map) add(entityType string, ids []string) {
	m[entityType] = append(m[entityType], ids...)
}

func (w *Workflow) query(ctx context.Context, entityType, attribute, object string) ([]string, error) {
	return w.broker.QueryIDs(ctx, entityType, fmt.Sprintf(`%s==%q`, attribute, object))
}

// MapPart collects the worker and machine tasks of one part.
func (w *Workflow) MapPart(ctx context.Context, partID string) (Map, error) {
	m := Map{}
	workerTasks, err := w.query(ctx, orion.TypeWorkerTask, "executedIn", partID)
	if err != nil {
		return nil, err
	}
	m.add(orion.TypeWorkerTask, workerTasks)
	machineTasks, err := w.query(ctx, orion.TypeMachineTask, "performedOn", partID)
	if err != nil {
		return nil, err
	}
	m.add(orion.TypeMachineTask, machineTasks)
	return m, nil
}

// mapProjectInto collects a project's dependents into m.
func (w *Workflow) mapProjectInto(ctx context.Context, m Map, projectID string) error {
	for _, entityType := range []string{orion.TypeConsumable, orion.TypeExpedition, orion.TypeGroup, orion.TypeAssembly} {
		ids, err := w.query(ctx, entityType, "belongsTo", projectID)
		if err != nil {
			return err
		}
		m.add(entityType, ids)
	}
	parts, err := w.query(ctx, orion.TypePart, "belongsTo", projectID)
	if err != nil {
		return err
	}
	m.add(orion.TypePart, parts)
	for _, part := range parts {
		tasks, err := w.MapPart(ctx, part)
		if err != nil {
			return err
		}
		m.add(orion.TypeWorkerTask, tasks[orion.TypeWorkerTask])
		m.add(orion.TypeMachineTask, tasks[orion.TypeMachineTask])
	}
	return nil
}

// MapProject collects everything dependent on one project.
func (w *Workflow) MapProject(ctx context.Context, projectID string) (Map, error) {
	m := Map{}
	if err := w.mapProjectInto(ctx, m, projectID); err != nil {
		return nil, err
	}
	return m, nil
}

// mapBudgetInto collects a budget's dependents into m: its projects with
// their subtrees, and its furniture with their modules.
func (w *Workflow) mapBudgetInto(ctx context.Context, m Map, budgetID string) error {
	projects, err := w.query(ctx, orion.TypeProject, "hasBudget", budgetID)
	if err != nil {
		return err
	}
	m.add(orion.TypeProject, projects)
	furniture, err := w.query(ctx, orion.TypeFurniture, "hasBudget", budgetID)
	if err != nil {
		return err
	}
	m.add(orion.TypeFurniture, furniture)
	for _, furn := range furniture {
		modules, err := w.query(ctx, orion.TypeModule, "belongsToFurniture", furn)
		if err != nil {
			return err
		}
		m.add(orion.TypeModule, modules)
	}
	for _, project := range projects {
		if err := w.mapProjectInto(ctx, m, project); err != nil {
			return err
		}
	}
	return nil
}

// MapBudget collects everything dependent on one budget.
func (w *Workflow) MapBudget(ctx context.Context, budgetID string) (Map, error) {
	m := Map{}
	if err := w.mapBudgetInto(ctx, m, budgetID); err != nil {
		return nil, err
	}
	return m, nil
}

// MapOwner collects everything owned by one customer, budgets included.
func (w *Workflow) MapOwner(ctx context.Context, ownerID string) (Map, error) {
	m := Map{}
	budgets, err := w.query(ctx, orion.TypeBudget, "orderBy", ownerID)
	if err != nil {
		return nil, err
	}
	m.add(orion.TypeBudget, budgets)
	for _, budget := range budgets {
		if err := w.mapBudgetInto(ctx, m, budget); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// BatchDelete removes every entity in the map with a single batch call.
// An empty map is a no-op.
func (w *Workflow) BatchDelete(ctx context.Context, m Map) (int, error) {
	ids := m.IDs()
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := w.broker.BatchDeleteEntities(ctx, ids)
	if err != nil {
		return 0, err
	}
	if res.StatusCode >= 300 {
		return 0, fmt.Errorf("broker returned status %d on batch delete", res.StatusCode)
	}
	return len(ids), nil
}
