package orion

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"
)

// Attribute is one declared NGSI-LD attribute of a payload. Relationship
// attributes serialize with an "object" key, property attributes with a
// "value" key.
type Attribute struct {
	Name         string
	Value        interface{}
	Relationship bool
}

// Property declares a property attribute.
func Property(name string, value interface{}) Attribute {
	return Attribute{Name: name, Value: value}
}

// Relationship declares a relationship attribute pointing at object.
func Relationship(name, object string) Attribute {
	return Attribute{Name: name, Value: object, Relationship: true}
}

// Payload is the declarative representation of one broker entity. It
// carries the entity id and type plus an ordered list of declared
// attributes, and knows how to build its full and partial NGSI-LD bodies.
type Payload struct {
	ID         string
	Type       string
	Attributes []Attribute

	client *Client
}

// NewPayload creates a payload bound to a broker client.
func NewPayload(client *Client, entityType, id string, attributes ...Attribute) *Payload {
	return &Payload{ID: id, Type: entityType, Attributes: attributes, client: client}
}

// Attribute returns the declared attribute with the given name.
func (p *Payload) Attribute(name string) (Attribute, bool) {
	for _, a := range p.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// Set replaces or appends a declared attribute.
func (p *Payload) Set(attribute Attribute) {
	for i, a := range p.Attributes {
		if a.Name == attribute.Name {
			p.Attributes[i] = attribute
			return
		}
	}
	p.Attributes = append(p.Attributes, attribute)
}

func wrap(a Attribute) map[string]interface{} {
	if a.Relationship {
		return map[string]interface{}{"type": "Relationship", "object": a.Value}
	}
	return map[string]interface{}{"type": "Property", "value": a.Value}
}

// Body returns the full NGSI-LD representation of the payload.
func (p *Payload) Body() map[string]interface{} {
	body := map[string]interface{}{"id": p.ID, "type": p.Type}
	for _, a := range p.Attributes {
		body[a.Name] = wrap(a)
	}
	return body
}

// AttrsBody returns the representation without id and type, as accepted
// by the /attrs endpoints.
func (p *Payload) AttrsBody() map[string]interface{} {
	body := map[string]interface{}{}
	for _, a := range p.Attributes {
		body[a.Name] = wrap(a)
	}
	return body
}

// PartialBody fetches the current keyValues representation of the entity
// and returns only the property attributes whose declared value differs
// from the broker's. Relationship attributes are never part of a partial
// body; relationship changes go through the full update path. Attributes
// the broker does not carry yet are skipped as well, the /attrs PATCH
// endpoint only updates existing attributes.
func (p *Payload) PartialBody(ctx context.Context) (map[string]interface{}, error) {
	current, err := p.client.GetKeyValues(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	partial := map[string]interface{}{}
	for _, a := range p.Attributes {
		if a.Relationship {
			continue
		}
		currentValue, ok := current[a.Name]
		if !ok {
			continue
		}
		if !jsonEqual(currentValue, a.Value) {
			partial[a.Name] = wrap(a)
		}
	}
	return partial, nil
}

// jsonEqual compares two values through their JSON encoding, which
// normalizes numeric types between decoded bodies and Go literals.
func jsonEqual(a, b interface{}) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(aj) == string(bj)
}

// Post creates the entity in the broker.
func (p *Payload) Post(ctx context.Context) error {
	body, err := json.Marshal(p.Body())
	if err != nil {
		return err
	}
	res, err := p.client.CreateEntity(ctx, body)
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusCreated {
		return fmt.Errorf("broker returned status %d creating %s: %s", res.StatusCode, p.ID, string(res.Body))
	}
	return nil
}

// Get returns the current keyValues representation of the entity.
func (p *Payload) Get(ctx context.Context) (map[string]interface{}, error) {
	return p.client.GetKeyValues(ctx, p.ID)
}

// Patch updates the entity with the partial body. A payload that matches
// the broker state is a no-op.
func (p *Payload) Patch(ctx context.Context) error {
	partial, err := p.PartialBody(ctx)
	if err != nil {
		return err
	}
	if len(partial) == 0 {
		return nil
	}
	body, err := json.Marshal(partial)
	if err != nil {
		return err
	}
	res, err := p.client.PatchEntityAttributes(ctx, p.ID, body)
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusNoContent {
		return fmt.Errorf("broker returned status %d patching %s: %s", res.StatusCode, p.ID, string(res.Body))
	}
	return nil
}

// Upsert appends all declared attributes to the entity, overwriting
// attributes that already exist.
func (p *Payload) Upsert(ctx context.Context) error {
	body, err := json.Marshal(p.AttrsBody())
	if err != nil {
		return err
	}
	res, err := p.client.UpsertEntityAttributes(ctx, p.ID, body)
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusNoContent {
		return fmt.Errorf("broker returned status %d upserting %s: %s", res.StatusCode, p.ID, string(res.Body))
	}
	return nil
}

// Delete removes the entity from the broker.
func (p *Payload) Delete(ctx context.Context) error {
	res, err := p.client.DeleteEntity(ctx, p.ID)
	if err != nil {
		return err
	}
	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	if res.StatusCode != http.StatusNoContent {
		return fmt.Errorf("broker returned status %d deleting %s", res.StatusCode, p.ID)
	}
	return nil
}

// Exists checks whether the entity is present in the broker.
func (p *Payload) Exists(ctx context.Context) (bool, error) {
	res, err := p.client.GetEntity(ctx, p.ID, url.Values{"options": []string{"keyValues"}})
	if err != nil {
		return false, err
	}
	return res.StatusCode == http.StatusOK, nil
}
