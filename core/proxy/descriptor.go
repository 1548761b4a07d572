// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package proxy exposes the context broker entities as REST resources.

Every entity type is described by a Descriptor in the registry: which
verbs it supports, how lists are scoped per role, and how ownership of a
single entity is verified for customers. The handlers themselves are
generic and composed from the descriptor, so the behaviour of any one
resource can be read off its single registry entry.
*/
package proxy

import "github.com/mofreitas/woodwork/core/orion"

// FilterKind selects how list queries are scoped for the requesting role.
type FilterKind int

const (
	// FilterUnrestricted lists the whole type for every role.
	FilterUnrestricted FilterKind = iota
	// FilterSelf restricts customers to their own profile entity.
	FilterSelf
	// FilterOrderBy restricts customers to entities they order directly.
	FilterOrderBy
	// FilterByProjects restricts customers to entities belonging to one of
	// their projects.
	FilterByProjects
	// FilterByBudgets restricts customers to entities of one of their budgets.
	FilterByBudgets
	// FilterByFurniture restricts customers to entities of furniture in one
	// of their budgets.
	FilterByFurniture
	// FilterOrganization restricts workers to their own organization entity.
	FilterOrganization
	// FilterWorkersOfOrganization restricts workers to colleagues of their
	// own organization.
	FilterWorkersOfOrganization
)

// VerifyKind selects how ownership of a single entity is verified for
// customers before a detail operation is allowed. Each entity type has
// exactly one ownership relationship, the verification follows it.
type VerifyKind int

const (
	// VerifyNone performs no ownership check.
	VerifyNone VerifyKind = iota
	// VerifyOrderBy requires the entity's orderBy to point at the customer.
	VerifyOrderBy
	// VerifyBelongsToProject requires belongsTo to point at one of the
	// customer's projects.
	VerifyBelongsToProject
	// VerifyHasBudget requires hasBudget to point at one of the customer's
	// budgets.
	VerifyHasBudget
	// VerifyBelongsToFurniture requires belongsToFurniture to point at
	// furniture of one of the customer's budgets.
	VerifyBelongsToFurniture
)

// Verbs enables the individual resource operations.
type Verbs struct {
	List        bool
	Create      bool
	Retrieve    bool
	Update      bool
	Delete      bool
	CreateAttrs bool
}

var fullVerbs = Verbs{List: true, Create: true, Retrieve: true, Update: true, Delete: true, CreateAttrs: true}
var readVerbs = Verbs{List: true, Retrieve: true}

// Descriptor describes one proxied entity type.
type Descriptor struct {
	// Type is the NGSI-LD entity type, e.g. "Budget"
	Type string
	// Resource is the permission codename segment, e.g. "workerTask"
	Resource string
	// Path is the URL path segment under the API prefix
	Path string
	// Filter scopes list queries per role
	Filter FilterKind
	// Verify gates detail operations for customers
	Verify VerifyKind
	Verbs  Verbs
	// SchemaID validates create payloads when set
	SchemaID string
}

// reservedParams are never forwarded to the broker; they would allow a
// requester to widen their scope filter.
var reservedParams = map[string]bool{
	"belongsTo": true,
	"orderBy":   true,
	"id":        true,
	"type":      true,
}

// protectedAttrs may only be written by privileged roles. The id and type
// attributes are immutable for everybody.
var protectedAttrs = []string{
	"orderBy",
	"belongsTo",
	"approvedDate",
	"executedIn",
	"executedBy",
	"amount",
	"name",
	"status",
}

// Registry lists all proxied entity types.
var Registry = []Descriptor{
	{
		Type: orion.TypeOwner, Resource: "owner", Path: "owners",
		Filter: FilterSelf, Verify: VerifyNone,
		// deleting an owner starts the owner cascade, everything else
		// about profiles is managed by the identity system
		Verbs: Verbs{List: true, Retrieve: true, Delete: true},
	},
	{
		Type: orion.TypeOrganization, Resource: "organization", Path: "organizations",
		Filter: FilterOrganization, Verify: VerifyNone,
		Verbs: readVerbs,
	},
	{
		Type: orion.TypeWorker, Resource: "worker", Path: "workers",
		Filter: FilterWorkersOfOrganization, Verify: VerifyNone,
		Verbs: readVerbs,
	},
	{
		Type: orion.TypeMachine, Resource: "machine", Path: "machines",
		Filter: FilterUnrestricted, Verify: VerifyNone,
		Verbs: fullVerbs,
	},
	{
		Type: orion.TypeBudget, Resource: "budget", Path: "budgets",
		Filter: FilterOrderBy, Verify: VerifyOrderBy,
		Verbs:    fullVerbs,
		SchemaID: schemaID("budget"),
	},
	{
		Type: orion.TypeProject, Resource: "project", Path: "projects",
		Filter: FilterOrderBy, Verify: VerifyOrderBy,
		Verbs: Verbs{List: true, Create: true, Retrieve: true, Update: true, Delete: true},
	},
	{
		Type: orion.TypeFurniture, Resource: "furniture", Path: "furniture",
		Filter: FilterByBudgets, Verify: VerifyHasBudget,
		Verbs:    fullVerbs,
		SchemaID: schemaID("furniture"),
	},
	{
		Type: orion.TypeModule, Resource: "module", Path: "modules",
		Filter: FilterByFurniture, Verify: VerifyBelongsToFurniture,
		Verbs: fullVerbs,
	},
	{
		Type: orion.TypeGroup, Resource: "group", Path: "groups",
		Filter: FilterByProjects, Verify: VerifyBelongsToProject,
		Verbs: Verbs{List: true, Create: true, Retrieve: true, Update: true, Delete: true},
	},
	{
		Type: orion.TypePart, Resource: "part", Path: "parts",
		Filter: FilterByProjects, Verify: VerifyBelongsToProject,
		Verbs: fullVerbs,
	},
	{
		Type: orion.TypeAssembly, Resource: "assembly", Path: "assemblies",
		Filter: FilterByProjects, Verify: VerifyBelongsToProject,
		Verbs: fullVerbs,
	},
	{
		Type: orion.TypeConsumable, Resource: "consumable", Path: "consumables",
		Filter: FilterByProjects, Verify: VerifyBelongsToProject,
		Verbs: fullVerbs,
	},
	{
		Type: orion.TypeExpedition, Resource: "expedition", Path: "expeditions",
		Filter: FilterByProjects, Verify: VerifyBelongsToProject,
		Verbs: fullVerbs,
	},
	{
		Type: orion.TypeLeftover, Resource: "leftover", Path: "leftovers",
		Filter: FilterOrderBy, Verify: VerifyOrderBy,
		Verbs: fullVerbs,
	},
	{
		Type: orion.TypeWorkerTask, Resource: "workerTask", Path: "worker-tasks",
		Filter: FilterUnrestricted, Verify: VerifyNone,
		Verbs: fullVerbs,
	},
	{
		Type: orion.TypeMachineTask, Resource: "machineTask", Path: "machine-tasks",
		Filter: FilterUnrestricted, Verify: VerifyNone,
		Verbs: Verbs{List: true, Create: true, Retrieve: true, Update: true, Delete: true},
	},
}

func schemaID(name string) string {
	return "https://woodwork.mofreitas.com/schemas/" + name + ".json"
}
