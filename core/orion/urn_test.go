package orion

import (
	"errors"
	"testing"
)

func TestURNRoundTrip(t *testing.T) {
	urn := NewURN(TypeBudget, "b_2023_17")
	if urn != "urn:ngsi-ld:Budget:b_2023_17" {
		t.Fatal("unexpected urn:", urn)
	}
	if !ValidURN(urn) {
		t.Fatal("urn should be valid")
	}
	typ, ok := URNType(urn)
	if !ok || typ != TypeBudget {
		t.Fatal("unexpected type segment:", typ)
	}
	if LocalID(urn) != "b_2023_17" {
		t.Fatal("unexpected local id:", LocalID(urn))
	}
}

func TestValidURN(t *testing.T) {
	valid := []string{
		"urn:ngsi-ld:Owner:jane_doe",
		"urn:ngsi-ld:Part:p-1:sub.part",
		"urn:x:a",
	}
	for _, urn := range valid {
		if !ValidURN(urn) {
			t.Fatal("should be valid:", urn)
		}
	}
	invalid := []string{
		"",
		"urn::missing",
		"notaurn:ngsi-ld",
		"urn:ngsi ld:Owner:x",
		"urn:-leading:x",
		"budget-17",
	}
	for _, urn := range invalid {
		if ValidURN(urn) {
			t.Fatal("should be invalid:", urn)
		}
	}
}

func TestCheckURN(t *testing.T) {
	if err := CheckURN("urn:ngsi-ld:Budget:b_1", TypeBudget); err != nil {
		t.Fatal(err)
	}
	err := CheckURN("urn:ngsi-ld:Project:p_1", TypeBudget)
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatal("expected type mismatch, got", err)
	}
	err = CheckURN("not a urn", TypeBudget)
	if !errors.Is(err, ErrInvalidURN) {
		t.Fatal("expected invalid urn, got", err)
	}
}
