// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package proxy

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/mofreitas/woodwork/core/access"
	"github.com/mofreitas/woodwork/core/orion"
)

// Scope answers the ownership questions of the filter protocol: which
// budgets, projects and furniture belong to a customer, and whether a
// given entity is transitively owned by them. All answers come from the
// broker at request time.
type Scope struct {
	broker *orion.Client
}

// NewScope creates a scope resolver on top of the broker client.
func NewScope(broker *orion.Client) *Scope {
	return &Scope{broker: broker}
}

// quoteList renders a list of URNs as a quoted, comma-joined q value.
// An empty list renders as `""`, which matches no entity; a customer
// without budgets must see an empty result, not an unfiltered one.
func quoteList(ids []string) string {
	if len(ids) == 0 {
		return `""`
	}
	return `"` + strings.Join(ids, `","`) + `"`
}

// BudgetsOfOwner returns the ids of all budgets ordered by the owner.
func (s *Scope) BudgetsOfOwner(ctx context.Context, owner string) ([]string, error) {
	return s.broker.QueryIDs(ctx, orion.TypeBudget, fmt.Sprintf(`orderBy==%q`, owner))
}

// ProjectsOfOwner returns the ids of all projects ordered by the owner.
func (s *Scope) ProjectsOfOwner(ctx context.Context, owner string) ([]string, error) {
	return s.broker.QueryIDs(ctx, orion.TypeProject, fmt.Sprintf(`orderBy==%q`, owner))
}

// FurnitureOfOwner returns the ids of all furniture in any of the owner's
// budgets.
func (s *Scope) FurnitureOfOwner(ctx context.Context, owner string) ([]string, error) {
	budgets, err := s.BudgetsOfOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	var furniture []string
	for _, budget := range budgets {
		ids, err := s.broker.QueryIDs(ctx, orion.TypeFurniture, fmt.Sprintf(`hasBudget==%q`, budget))
		if err != nil {
			return nil, err
		}
		furniture = append(furniture, ids...)
	}
	return furniture, nil
}

// WorkshopOrganization returns the id of the workshop's organization
// entity. Leftovers are always ordered by the workshop, regardless of who
// submits them.
func (s *Scope) WorkshopOrganization(ctx context.Context) (string, error) {
	ids, err := s.broker.QueryIDs(ctx, orion.TypeOrganization, "")
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("no organization entity in the broker")
	}
	return ids[0], nil
}

// GenerateParams builds the broker list parameters for the requesting
// role. Privileged roles see the whole type; customers get the filter the
// descriptor prescribes. Indirect filters resolve the customer's owned
// set first and may fail with a broker error.
func (s *Scope) GenerateParams(ctx context.Context, desc Descriptor, auth *access.Authorization) (url.Values, error) {
	params := url.Values{}
	params.Set("type", desc.Type)

	switch desc.Filter {
	case FilterUnrestricted:
		return params, nil

	case FilterSelf:
		if auth.IsCustomer() {
			params.Del("type")
			params.Set("id", auth.Profile)
		}
		return params, nil

	case FilterOrganization:
		if auth.IsWorker() {
			params.Del("type")
			params.Set("id", auth.Organization)
		} else if auth.IsOrganization() {
			params.Del("type")
			params.Set("id", auth.Profile)
		} else if auth.IsCustomer() {
			// customers have no organization to see
			params.Del("type")
			params.Set("id", auth.Profile)
		}
		return params, nil

	case FilterWorkersOfOrganization:
		if auth.IsWorker() {
			params.Set("q", fmt.Sprintf(`hasOrganization==%q`, auth.Organization))
		} else if auth.IsOrganization() {
			params.Set("q", fmt.Sprintf(`hasOrganization==%q`, auth.Profile))
		} else if auth.IsCustomer() {
			params.Set("q", `hasOrganization==""`)
		}
		return params, nil
	}

	// the orderBy filter family always requests the result count
	params.Set("count", "true")
	if !auth.IsCustomer() {
		return params, nil
	}

	switch desc.Filter {
	case FilterOrderBy:
		params.Set("q", fmt.Sprintf(`orderBy==%q`, auth.Profile))
	case FilterByProjects:
		projects, err := s.ProjectsOfOwner(ctx, auth.Profile)
		if err != nil {
			return nil, err
		}
		params.Set("q", "belongsTo=="+quoteList(projects))
	case FilterByBudgets:
		budgets, err := s.BudgetsOfOwner(ctx, auth.Profile)
		if err != nil {
			return nil, err
		}
		params.Set("q", "hasBudget=="+quoteList(budgets))
	case FilterByFurniture:
		furniture, err := s.FurnitureOfOwner(ctx, auth.Profile)
		if err != nil {
			return nil, err
		}
		params.Set("q", "belongsToFurniture=="+quoteList(furniture))
	}
	return params, nil
}

// VerifyOwnership checks whether the requesting customer transitively
// owns the entity. Privileged roles always pass. A missing ownership
// relationship fails the check; handlers translate a failure into 404,
// never 403, so the existence of foreign entities does not leak.
func (s *Scope) VerifyOwnership(ctx context.Context, desc Descriptor, auth *access.Authorization, entity map[string]interface{}) (bool, error) {
	if !auth.IsCustomer() || desc.Verify == VerifyNone {
		return true, nil
	}

	switch desc.Verify {
	case VerifyOrderBy:
		return RelationshipObject(entity, "orderBy") == auth.Profile, nil

	case VerifyBelongsToProject:
		object := RelationshipObject(entity, "belongsTo")
		if object == "" {
			return false, nil
		}
		projects, err := s.ProjectsOfOwner(ctx, auth.Profile)
		if err != nil {
			return false, err
		}
		return contains(projects, object), nil

	case VerifyHasBudget:
		object := RelationshipObject(entity, "hasBudget")
		if object == "" {
			return false, nil
		}
		budgets, err := s.BudgetsOfOwner(ctx, auth.Profile)
		if err != nil {
			return false, err
		}
		return contains(budgets, object), nil

	case VerifyBelongsToFurniture:
		object := RelationshipObject(entity, "belongsToFurniture")
		if object == "" {
			return false, nil
		}
		furniture, err := s.FurnitureOfOwner(ctx, auth.Profile)
		if err != nil {
			return false, err
		}
		return contains(furniture, object), nil
	}
	return false, nil
}

// RelationshipObject extracts the object of a relationship attribute from
// an entity in either the full representation ({"object": "urn:..."}) or
// the simplified keyValues one (plain string).
func RelationshipObject(entity map[string]interface{}, name string) string {
	value, ok := entity[name]
	if !ok {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case map[string]interface{}:
		if object, ok := v["object"].(string); ok {
			return object
		}
	}
	return ""
}

// PropertyValue extracts the value of a property attribute from an entity
// in either representation.
func PropertyValue(entity map[string]interface{}, name string) interface{} {
	value, ok := entity[name]
	if !ok {
		return nil
	}
	if wrapper, ok := value.(map[string]interface{}); ok {
		if inner, ok := wrapper["value"]; ok {
			return inner
		}
	}
	return value
}

// PropertyString is PropertyValue for string-valued properties.
func PropertyString(entity map[string]interface{}, name string) string {
	s, _ := PropertyValue(entity, name).(string)
	return s
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
