package client

import (
	"net/http"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/mofreitas/woodwork/core/access"
)

func echoRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/api/v1/budgets", func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		if auth == nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[{"id":"urn:ngsi-ld:Budget:b1","type":"Budget"}]`))
		case http.MethodPost:
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(body)
		}
	}).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc("/api/v1/budgets/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}).Methods(http.MethodDelete)
	return router
}

func TestClientCarriesAuthorization(t *testing.T) {
	cl := NewWithRouter(echoRouter())

	if status, _ := cl.Resource("budgets").List(nil); status != http.StatusUnauthorized {
		t.Fatal("request without authorization must pass none, got", status)
	}

	var budgets []map[string]interface{}
	status, err := cl.WithAdminAuthorization().Resource("budgets").List(&budgets)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK || len(budgets) != 1 {
		t.Fatal("unexpected list result:", status, budgets)
	}
}

func TestClientCreateAndDelete(t *testing.T) {
	cl := NewWithRouter(echoRouter()).WithAuthorization(&access.Authorization{
		Role: access.RoleCustomer, Profile: "urn:ngsi-ld:Owner:jo",
	})
	budgets := cl.Resource("budgets")

	var created map[string]interface{}
	status, err := budgets.Create(map[string]interface{}{"id": "urn:ngsi-ld:Budget:b2"}, &created)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusCreated || created["id"] != "urn:ngsi-ld:Budget:b2" {
		t.Fatal("unexpected create result:", status, created)
	}

	if status, err := budgets.Delete("urn:ngsi-ld:Budget:b2"); err != nil || status != http.StatusOK {
		t.Fatal("unexpected delete result:", status, err)
	}
}

func TestClientStatusError(t *testing.T) {
	cl := NewWithRouter(echoRouter())
	status, err := cl.RawGet("/api/v1/unknown", nil)
	if err == nil {
		t.Fatal("missing route must yield an error")
	}
	if status != http.StatusNotFound {
		t.Fatal("unexpected status:", status)
	}
}
