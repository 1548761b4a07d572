package orion

import "time"

// Entity type names used by the proxy.
const (
	TypeOwner        = "Owner"
	TypeOrganization = "Organization"
	TypeWorker       = "Worker"
	TypeBudget       = "Budget"
	TypeProject      = "Project"
	TypeFurniture    = "Furniture"
	TypeModule       = "Module"
	TypeGroup        = "Group"
	TypePart         = "Part"
	TypeAssembly     = "Assembly"
	TypeConsumable   = "Consumable"
	TypeExpedition   = "Expedition"
	TypeLeftover     = "Leftover"
	TypeMachine      = "Machine"
	TypeWorkerTask   = "WorkerTask"
	TypeMachineTask  = "MachineTask"
)

// PersonAttrs are the attributes shared by person-shaped entities.
type PersonAttrs struct {
	GivenName  string
	FamilyName string
	Email      string
	VAT        string
	Image      string
	Active     bool
}

func (p PersonAttrs) attributes() []Attribute {
	return []Attribute{
		Property("givenName", p.GivenName),
		Property("familyName", p.FamilyName),
		Property("email", p.Email),
		Property("vat", p.VAT),
		Property("image", p.Image),
		Property("active", p.Active),
	}
}

// OwnerAttrs describe a customer profile entity.
type OwnerAttrs struct {
	PersonAttrs
	LegalName       string
	IsCompany       bool
	Address         map[string]interface{}
	DeliveryAddress map[string]interface{}
	Telephone       string
	// TermsAccepted serializes as the acceptance timestamp, or as the
	// empty string when the terms were not accepted.
	TermsAccepted bool
}

// NewOwnerPayload builds the payload for an Owner entity.
func NewOwnerPayload(client *Client, id string, o OwnerAttrs) *Payload {
	tos := ""
	if o.TermsAccepted {
		tos = time.Now().UTC().Format(time.RFC3339)
	}
	attrs := append(o.attributes(),
		Property("legalName", o.LegalName),
		Property("isCompany", o.IsCompany),
		Property("address", orEmptyMap(o.Address)),
		Property("deliveryAddress", orEmptyMap(o.DeliveryAddress)),
		Property("telephone", o.Telephone),
		Property("tos", tos),
	)
	return NewPayload(client, TypeOwner, id, attrs...)
}

// OrganizationAttrs describe a workshop organization entity.
type OrganizationAttrs struct {
	LegalName string
	Telephone string
	Email     string
	VAT       string
}

// NewOrganizationPayload builds the payload for an Organization entity.
func NewOrganizationPayload(client *Client, id string, o OrganizationAttrs) *Payload {
	return NewPayload(client, TypeOrganization, id,
		Property("legalName", o.LegalName),
		Property("telephone", o.Telephone),
		Property("email", o.Email),
		Property("vat", o.VAT),
	)
}

// WorkerAttrs describe a worker profile entity. HasOrganization is the
// one relationship attribute of the model.
type WorkerAttrs struct {
	PersonAttrs
	PerformanceRole string
	HasOrganization string
}

// NewWorkerPayload builds the payload for a Worker entity.
func NewWorkerPayload(client *Client, id string, w WorkerAttrs) *Payload {
	attrs := append(w.attributes(),
		Property("performanceRole", w.PerformanceRole),
		Relationship("hasOrganization", w.HasOrganization),
	)
	return NewPayload(client, TypeWorker, id, attrs...)
}

// LeftoverAttrs describe a leftover board entity mirrored from the
// detection pipeline.
type LeftoverAttrs struct {
	PartName    string
	Material    string
	Length      float64
	Width       float64
	Thickness   float64
	Weight      float64
	Dimension   interface{} // normalized corner polygon
	Observation string
	Image       string
	LocationX   interface{}
	LocationY   interface{}
	OrderBy     string // workshop organization urn
}

// NewLeftoverPayload builds the payload for a Leftover entity.
func NewLeftoverPayload(client *Client, id string, l LeftoverAttrs) *Payload {
	attrs := []Attribute{
		Property("partName", l.PartName),
		Property("material", l.Material),
		Property("length", l.Length),
		Property("width", l.Width),
		Property("thickness", l.Thickness),
		Property("weight", l.Weight),
		Property("dimension", l.Dimension),
		Property("observation", l.Observation),
		Property("image", l.Image),
		Property("location_x", l.LocationX),
		Property("location_y", l.LocationY),
	}
	if l.OrderBy != "" {
		attrs = append(attrs, Relationship("orderBy", l.OrderBy))
	}
	return NewPayload(client, TypeLeftover, id, attrs...)
}

// NewEntityPayload builds a payload for an arbitrary entity type from
// explicit attribute declarations.
func NewEntityPayload(client *Client, entityType, id string, attributes ...Attribute) *Payload {
	return NewPayload(client, entityType, id, attributes...)
}

func orEmptyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
