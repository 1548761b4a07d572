package schema_test

import (
	"testing"

	"github.com/mofreitas/woodwork/core/schema"
)

const (
	urnRef = `{ "type" : "string",
	  "pattern" : "^urn:ngsi-ld:",
	  "$id" : "https://woodwork.mofreitas.com/schemas/refs/urn.json"}`

	budgetSchema = `
	{ "$id" : "https://woodwork.mofreitas.com/schemas/budget.json",
	  "type" : "object",
	  "required" : ["id", "orderBy"],
	  "properties" : {
		"id" : { "$ref" : "https://woodwork.mofreitas.com/schemas/refs/urn.json" },
		"amount" : { "type" : "object" }
	  }
	}`
)

func TestValidateString(t *testing.T) {
	v, err := schema.NewValidator([]string{budgetSchema}, []string{urnRef})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}

	schemaID := "https://woodwork.mofreitas.com/schemas/budget.json"

	valid := `{"id":"urn:ngsi-ld:Budget:1","orderBy":{"object":"urn:ngsi-ld:Owner:1"}}`
	if err := v.ValidateString(valid, schemaID); err != nil {
		t.Fatalf("%s is expected to be valid with schema %s. Reported error was: %v", valid, schemaID, err)
	}

	missingOwner := `{"id":"urn:ngsi-ld:Budget:1"}`
	if err := v.ValidateString(missingOwner, schemaID); err == nil {
		t.Fatalf("%s is expected to be invalid with schema %s", missingOwner, schemaID)
	}

	badURN := `{"id":"not-a-urn","orderBy":{"object":"urn:ngsi-ld:Owner:1"}}`
	if err := v.ValidateString(badURN, schemaID); err == nil {
		t.Fatalf("%s is expected to be invalid with schema %s", badURN, schemaID)
	}
}

func TestValidateStruct(t *testing.T) {
	type budget struct {
		ID      string      `json:"id"`
		OrderBy interface{} `json:"orderBy"`
	}

	v, err := schema.NewValidator([]string{budgetSchema}, []string{urnRef})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}
	schemaID := "https://woodwork.mofreitas.com/schemas/budget.json"

	if err := v.ValidateStruct(budget{ID: "urn:ngsi-ld:Budget:1", OrderBy: "urn:ngsi-ld:Owner:1"}, schemaID); err != nil {
		t.Fatalf("struct is expected to be valid with schema %s. Reported error was: %v", schemaID, err)
	}

	type incomplete struct {
		ID string `json:"id"`
	}
	if err := v.ValidateStruct(incomplete{ID: "urn:ngsi-ld:Budget:1"}, schemaID); err == nil {
		t.Fatalf("struct without orderBy is expected to be invalid with schema %s", schemaID)
	}
}

func TestHasSchema(t *testing.T) {
	v, err := schema.NewValidator([]string{budgetSchema}, []string{urnRef})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}

	if !v.HasSchema("https://woodwork.mofreitas.com/schemas/budget.json") {
		t.Fatal("budget schemaID is expected to be available")
	}
	if v.HasSchema("https://woodwork.mofreitas.com/schemas/unknown.json") {
		t.Fatal("unknown schemaID is not expected to be available")
	}
}
