package orion

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
)

func TestPayloadBody(t *testing.T) {
	p := NewPayload(nil, TypeProject, "urn:ngsi-ld:Project:p_1",
		Property("name", "kitchen"),
		Relationship("hasBudget", "urn:ngsi-ld:Budget:b_1"),
	)
	body := p.Body()
	if body["id"] != "urn:ngsi-ld:Project:p_1" || body["type"] != TypeProject {
		t.Fatal("id/type missing from body")
	}
	name, ok := body["name"].(map[string]interface{})
	if !ok || name["type"] != "Property" || name["value"] != "kitchen" {
		t.Fatal("property not wrapped:", body["name"])
	}
	rel, ok := body["hasBudget"].(map[string]interface{})
	if !ok || rel["type"] != "Relationship" || rel["object"] != "urn:ngsi-ld:Budget:b_1" {
		t.Fatal("relationship not wrapped:", body["hasBudget"])
	}
	if _, ok := p.AttrsBody()["id"]; ok {
		t.Fatal("attrs body must not carry id")
	}
}

func TestOwnerPayloadTermsOfService(t *testing.T) {
	accepted := NewOwnerPayload(nil, "urn:ngsi-ld:Owner:jane", OwnerAttrs{TermsAccepted: true})
	attr, _ := accepted.Attribute("tos")
	if attr.Value == "" {
		t.Fatal("accepted terms must serialize as a timestamp")
	}
	declined := NewOwnerPayload(nil, "urn:ngsi-ld:Owner:john", OwnerAttrs{})
	attr, _ = declined.Attribute("tos")
	if attr.Value != "" {
		t.Fatal("declined terms must serialize as empty string")
	}
	// empty addresses serialize as objects, not null
	addr, _ := declined.Attribute("address")
	if _, ok := addr.Value.(map[string]interface{}); !ok {
		t.Fatal("address must default to an empty object")
	}
}

func TestWorkerPayloadRelationship(t *testing.T) {
	p := NewWorkerPayload(nil, "urn:ngsi-ld:Worker:w_1", WorkerAttrs{
		HasOrganization: "urn:ngsi-ld:Organization:shop",
	})
	attr, ok := p.Attribute("hasOrganization")
	if !ok || !attr.Relationship {
		t.Fatal("hasOrganization must be a relationship")
	}
}

// fakeBroker returns a broker client talking to a test server with the
// given handler.
func fakeBroker(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewClient(&ClientBuilder{
		BrokerURL:  server.URL,
		Tenant:     "woodwork",
		ContextURL: "http://context/ngsi-context.jsonld",
	})
	return client, server
}

func TestPartialBodyDiffsPropertiesOnly(t *testing.T) {
	client, _ := fakeBroker(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("options") != "keyValues" {
			t.Error("expected keyValues representation")
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":        "urn:ngsi-ld:Leftover:l_1",
			"type":      TypeLeftover,
			"partName":  "old name",
			"material":  "mdf",
			"length":    100.0,
			"orderBy":   "urn:ngsi-ld:Organization:shop",
			"untouched": "stays",
		})
	})

	p := NewPayload(client, TypeLeftover, "urn:ngsi-ld:Leftover:l_1",
		Property("partName", "new name"),     // differs
		Property("material", "mdf"),          // same
		Property("length", 100),              // same after numeric normalization
		Property("missing", "not in broker"), // broker does not carry it
		Relationship("orderBy", "urn:ngsi-ld:Organization:other"),
	)
	partial, err := p.PartialBody(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(partial) != 1 {
		t.Fatal("expected exactly one changed attribute, got", partial)
	}
	changed, ok := partial["partName"].(map[string]interface{})
	if !ok || changed["value"] != "new name" {
		t.Fatal("partName diff missing:", partial)
	}
}

func TestPayloadPostAndDelete(t *testing.T) {
	var created map[string]interface{}
	client, _ := fakeBroker(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			if ct := r.Header.Get("Content-Type"); ct != "application/json; charset=utf-8" {
				t.Error("unexpected content type:", ct)
			}
			if tenant := r.Header.Get("NGSILD-Tenant"); tenant != "woodwork" {
				t.Error("missing tenant header")
			}
			json.NewDecoder(r.Body).Decode(&created)
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	p := NewPayload(client, TypeMachine, "urn:ngsi-ld:Machine:m_1",
		Property("name", "saw"))
	if err := p.Post(context.Background()); err != nil {
		t.Fatal(err)
	}
	if created["id"] != "urn:ngsi-ld:Machine:m_1" {
		t.Fatal("broker did not receive the entity")
	}
	if err := p.Delete(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestDecodeEntityUnescapesDoubleEscapedBodies(t *testing.T) {
	plain := []byte(`{"id":"urn:ngsi-ld:Owner:jo","name":"João"}`)
	entity, err := DecodeEntity(plain)
	if err != nil || entity["name"] != "João" {
		t.Fatal("plain body must decode", err)
	}
	doubleEncoded, _ := json.Marshal(string(plain))
	entity, err = DecodeEntity(doubleEncoded)
	if err != nil {
		t.Fatal(err)
	}
	if entity["name"] != "João" {
		t.Fatal("double-encoded body not unescaped:", entity["name"])
	}
	if _, err := DecodeEntity([]byte("not json at all")); err == nil {
		t.Fatal("garbage must not decode")
	}
}
