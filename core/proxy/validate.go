package proxy

import (
	"context"
	"errors"
	"fmt"
	"unicode"

	"github.com/mofreitas/woodwork/core/orion"
)

// FurnitureType is the declared kind of a Furniture entity. It decides
// both the create-time validation rules and the folder depth provisioned
// for the entity.
type FurnitureType string

// The known furniture types.
const (
	FurnitureTypeGroup     FurnitureType = "group"
	FurnitureTypeSubGroup  FurnitureType = "subGroup"
	FurnitureTypeFurniture FurnitureType = "furniture"
	FurnitureTypeAccessory FurnitureType = "accessory"
)

// ValidationError is a create payload rejection; handlers map it to 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// AsValidationError unwraps err into a ValidationError if it is one.
func AsValidationError(err error) (*ValidationError, bool) {
	var verr *ValidationError
	ok := errors.As(err, &verr)
	return verr, ok
}

func hasNonASCII(name string) bool {
	for _, r := range name {
		if r > unicode.MaxASCII {
			return true
		}
	}
	return false
}

// validateFurniture enforces the furniture creation rules: mandatory
// attributes, type-dependent group requirements, an ASCII-only name, a
// resolvable budget owner and uniqueness of (name, budget, type).
func (rc *resource) validateFurniture(ctx context.Context, data map[string]interface{}) error {
	if _, ok := data["id"]; !ok {
		return validationErrorf("The presence of the attribute 'id' is mandatory and cannot be omitted.")
	}
	budgetID := RelationshipObject(data, "hasBudget")
	if budgetID == "" {
		return validationErrorf("The presence of the attribute 'hasBudget' is mandatory and cannot be omitted.")
	}
	name := PropertyString(data, "name")
	if _, ok := data["name"]; !ok {
		return validationErrorf("The presence of the attribute 'name' is mandatory and cannot be omitted.")
	}
	if _, ok := data["furnitureType"]; !ok {
		return validationErrorf("The presence of the attribute 'furnitureType' is mandatory and cannot be omitted.")
	}
	kind := FurnitureType(PropertyString(data, "furnitureType"))

	switch kind {
	case FurnitureTypeFurniture:
		if data["group"] == nil || data["subGroup"] == nil {
			return validationErrorf("If the value of the 'furnitureType' attribute is set to 'furniture', then the presence of the 'group' and 'subGroup' attributes is mandatory and cannot be omitted.")
		}
	case FurnitureTypeSubGroup:
		if data["group"] == nil {
			return validationErrorf("If the value of the 'furnitureType' attribute is set to 'subGroup', then the presence of the 'group' attribute is mandatory and cannot be omitted.")
		}
	}

	owner, err := rc.budgetOwner(ctx, budgetID)
	if err != nil {
		return err
	}
	if owner == "" {
		return validationErrorf("The system was unable to locate a customer associated with the budget specified")
	}

	if hasNonASCII(name) {
		return validationErrorf("The attribute 'name' must only contain ASCII characters.")
	}

	unique, err := rc.isFurnitureUnique(ctx, name, budgetID, string(kind))
	if err != nil {
		return err
	}
	if !unique {
		return validationErrorf("A furniture with the name '%s', the ID '%s', and the furniture type '%s' already exists.", name, budgetID, kind)
	}
	return nil
}

// budgetOwner resolves the owner entity of the budget and verifies it
// exists in the broker. Returns the empty string when either the budget
// or the owner is missing.
func (rc *resource) budgetOwner(ctx context.Context, budgetID string) (string, error) {
	budget, err := rc.broker.GetKeyValues(ctx, budgetID)
	if errors.Is(err, orion.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	owner := RelationshipObject(budget, "orderBy")
	if owner == "" {
		return "", nil
	}
	if _, err := rc.broker.GetKeyValues(ctx, owner); errors.Is(err, orion.ErrNotFound) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return owner, nil
}

func (rc *resource) isFurnitureUnique(ctx context.Context, name, budgetID, furnitureType string) (bool, error) {
	q := fmt.Sprintf(`name==%q;hasBudget==%q;furnitureType==%q`, name, budgetID, furnitureType)
	ids, err := rc.broker.QueryIDs(ctx, orion.TypeFurniture, q)
	if err != nil {
		return false, err
	}
	return len(ids) == 0, nil
}

// validateOwnerReference checks that a budget or project create payload
// names an existing owner in its orderBy relationship.
func (rc *resource) validateOwnerReference(ctx context.Context, data map[string]interface{}) error {
	owner := RelationshipObject(data, "orderBy")
	if owner == "" {
		return validationErrorf("The presence of the attribute 'orderBy' is mandatory and cannot be omitted.")
	}
	if _, err := rc.broker.GetKeyValues(ctx, owner); errors.Is(err, orion.ErrNotFound) {
		return validationErrorf("The system was unable to locate a customer profile for '%s'", owner)
	} else if err != nil {
		return err
	}
	return nil
}
