package proxy

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mofreitas/woodwork/core/access"
	"github.com/mofreitas/woodwork/core/jobs"
	"github.com/mofreitas/woodwork/core/orion"
)

// eventRecorder captures lifecycle events instead of enqueuing them.
type eventRecorder struct {
	mu     sync.Mutex
	events []jobs.Event
}

func (e *eventRecorder) RaiseEvent(ctx context.Context, event jobs.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *eventRecorder) QueueEvent(ctx context.Context, event jobs.Event) error {
	return e.RaiseEvent(ctx, event)
}

func (e *eventRecorder) byType(eventType string) []jobs.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var matched []jobs.Event
	for _, event := range e.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

// newTestBackend wires the proxy against a fake broker handler.
func newTestBackend(t *testing.T, broker http.HandlerFunc) (*mux.Router, *eventRecorder) {
	t.Helper()
	server := httptest.NewServer(broker)
	t.Cleanup(server.Close)

	router := mux.NewRouter()
	events := &eventRecorder{}
	New(&Builder{
		Broker: orion.NewClient(&orion.ClientBuilder{BrokerURL: server.URL}),
		Router: router,
		Events: events,
	})
	return router, events
}

func customerAuth(permissions ...string) *access.Authorization {
	return &access.Authorization{
		Role:        access.RoleCustomer,
		Profile:     "urn:ngsi-ld:Owner:jo",
		Email:       "jo@example.com",
		Permissions: permissions,
	}
}

func adminAuth() *access.Authorization {
	return &access.Authorization{Role: access.RoleAdmin, Email: "admin@example.com"}
}

func doRequest(router *mux.Router, auth *access.Authorization, method, target string, body []byte) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	r := httptest.NewRequest(method, target, reader)
	if auth != nil {
		r = r.WithContext(auth.ContextWithAuthorization(r.Context()))
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

func TestListRequiresAuthentication(t *testing.T) {
	router, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("broker must not be called")
	})
	w := doRequest(router, nil, http.MethodGet, "/api/v1/budgets", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListRequiresPermission(t *testing.T) {
	router, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("broker must not be called")
	})
	w := doRequest(router, customerAuth("view_budget"), http.MethodGet, "/api/v1/machines", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListBudgetsScopesCustomer(t *testing.T) {
	body := `[{"id":"urn:ngsi-ld:Budget:1","type":"Budget"}]`
	router, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ngsi-ld/v1/entities", r.URL.Path)
		query := r.URL.Query()
		assert.Equal(t, "Budget", query.Get("type"))
		assert.Equal(t, `orderBy=="urn:ngsi-ld:Owner:jo"`, query.Get("q"))
		assert.Equal(t, "true", query.Get("count"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	})

	w := doRequest(router, customerAuth("view_budget"), http.MethodGet, "/api/v1/budgets", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, body, w.Body.String())
}

func TestListStripsReservedParameters(t *testing.T) {
	router, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		// scope widening attempts never reach the broker
		assert.Empty(t, query.Get("orderBy"))
		assert.Empty(t, query.Get("id"))
		assert.Equal(t, "Budget", query.Get("type"))
		assert.Equal(t, "pending", query.Get("status"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[]`))
	})

	w := doRequest(router, adminAuth(), http.MethodGet,
		"/api/v1/budgets?orderBy=urn:ngsi-ld:Owner:other&id=urn:ngsi-ld:Budget:9&status=pending", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListNoContentBecomesNotFound(t *testing.T) {
	router, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	w := doRequest(router, adminAuth(), http.MethodGet, "/api/v1/budgets", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"message":"No entity found","ok":false,"status":404}`, w.Body.String())
}

func TestRetrieveRejectsInvalidURN(t *testing.T) {
	router, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("broker must not be called")
	})

	w := doRequest(router, adminAuth(), http.MethodGet, "/api/v1/budgets/not-a-urn", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// a well-formed URN of the wrong entity type is rejected as well
	w = doRequest(router, adminAuth(), http.MethodGet, "/api/v1/budgets/urn:ngsi-ld:Project:1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRetrieveHidesForeignEntity(t *testing.T) {
	router, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"urn:ngsi-ld:Budget:1","type":"Budget",
			"orderBy":{"type":"Relationship","object":"urn:ngsi-ld:Owner:other"}}`))
	})

	w := doRequest(router, customerAuth("view_budget"), http.MethodGet,
		"/api/v1/budgets/urn:ngsi-ld:Budget:1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"message":"Entity not found","ok":false,"status":404}`, w.Body.String())
}

func TestRetrieveOwnEntity(t *testing.T) {
	router, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"urn:ngsi-ld:Budget:1","type":"Budget",
			"orderBy":{"type":"Relationship","object":"urn:ngsi-ld:Owner:jo"}}`))
	})

	w := doRequest(router, customerAuth("view_budget"), http.MethodGet,
		"/api/v1/budgets/urn:ngsi-ld:Budget:1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var entity map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entity))
	assert.Equal(t, "urn:ngsi-ld:Budget:1", entity["id"])
}

func TestUpdateStripsProtectedAttributes(t *testing.T) {
	entity := `{"id":"urn:ngsi-ld:Budget:1","type":"Budget",
		"orderBy":{"type":"Relationship","object":"urn:ngsi-ld:Owner:jo"},
		"observation":{"type":"Property","value":"old"}}`

	var patched map[string]interface{}
	router, events := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&patched))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(entity))
	})

	update := []byte(`{
		"id":"urn:ngsi-ld:Budget:2",
		"type":"Machine",
		"name":{"type":"Property","value":"sneaky"},
		"amount":{"type":"Property","value":9999},
		"status":{"type":"Property","value":"approved"},
		"observation":{"type":"Property","value":"new"}}`)
	w := doRequest(router, customerAuth("change_budget"), http.MethodPatch,
		"/api/v1/budgets/urn:ngsi-ld:Budget:1", update)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Len(t, patched, 1)
	assert.Contains(t, patched, "observation")

	changed := events.byType(EventBudgetChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, "urn:ngsi-ld:Budget:1", changed[0].Key)
}

func TestUpdateKeepsWorkflowAttributesForPrivileged(t *testing.T) {
	var patched map[string]interface{}
	router, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			json.NewDecoder(r.Body).Decode(&patched)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"urn:ngsi-ld:Budget:1","type":"Budget"}`))
	})

	worker := &access.Authorization{
		Role:         access.RoleWorker,
		Organization: "urn:ngsi-ld:Organization:workshop",
		Permissions:  []string{"change_budget"},
	}
	update := []byte(`{"status":{"type":"Property","value":"approved"}}`)
	w := doRequest(router, worker, http.MethodPatch, "/api/v1/budgets/urn:ngsi-ld:Budget:1", update)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, patched, "status")
}

func TestUpdateBrokerRejectionPassesThrough(t *testing.T) {
	router, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"title":"Attribute Not Found"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"urn:ngsi-ld:Budget:1","type":"Budget"}`))
	})

	update := []byte(`{"observation":{"type":"Property","value":"x"}}`)
	w := doRequest(router, adminAuth(), http.MethodPatch, "/api/v1/budgets/urn:ngsi-ld:Budget:1", update)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"title":"Attribute Not Found"}`, w.Body.String())
}

func TestDeleteBudgetRaisesEvent(t *testing.T) {
	router, events := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"urn:ngsi-ld:Budget:1","type":"Budget",
			"name":{"type":"Property","value":"kitchen"},
			"orderBy":{"type":"Relationship","object":"urn:ngsi-ld:Owner:jo"}}`))
	})

	w := doRequest(router, customerAuth("delete_budget"), http.MethodDelete,
		"/api/v1/budgets/urn:ngsi-ld:Budget:1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	deleted := events.byType(EventBudgetDeleted)
	require.Len(t, deleted, 1)
	var payload EntityDeletedEvent
	require.NoError(t, json.Unmarshal(deleted[0].Payload, &payload))
	assert.Equal(t, "kitchen", payload.Name)
	assert.Equal(t, "urn:ngsi-ld:Owner:jo", payload.Owner)
}

func TestDeleteMissingEntity(t *testing.T) {
	router, events := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	w := doRequest(router, adminAuth(), http.MethodDelete, "/api/v1/budgets/urn:ngsi-ld:Budget:1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"message":"No entity found!","ok":false,"status":404}`, w.Body.String())
	assert.Empty(t, events.byType(EventBudgetDeleted))
}

func TestDeleteBrokerFailureQueuesNoCascade(t *testing.T) {
	router, events := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"urn:ngsi-ld:Budget:1","type":"Budget",
			"orderBy":{"type":"Relationship","object":"urn:ngsi-ld:Owner:jo"}}`))
	})

	w := doRequest(router, adminAuth(), http.MethodDelete, "/api/v1/budgets/urn:ngsi-ld:Budget:1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	// the entity still exists in the broker, its tree must not be cascaded
	assert.Empty(t, events.byType(EventBudgetDeleted))
}

func TestCreateBatchEmptyArrayRejected(t *testing.T) {
	router, events := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("broker must not be called")
	})

	w := doRequest(router, adminAuth(), http.MethodPost, "/api/v1/furniture", []byte(`[]`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "empty array")
	assert.Empty(t, events.byType(EventFurnitureCreated))
}

func TestCreateBudgetRequiresExistingOwner(t *testing.T) {
	router, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		// the owner lookup fails
		w.WriteHeader(http.StatusNotFound)
	})

	body := []byte(`{"id":"urn:ngsi-ld:Budget:1","type":"Budget",
		"orderBy":{"type":"Relationship","object":"urn:ngsi-ld:Owner:ghost"}}`)
	w := doRequest(router, adminAuth(), http.MethodPost, "/api/v1/budgets", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unable to locate a customer profile")
}

func TestCreateBudgetRaisesEvent(t *testing.T) {
	router, events := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"urn:ngsi-ld:Owner:jo","type":"Owner"}`))
	})

	body := []byte(`{"id":"urn:ngsi-ld:Budget:1","type":"Budget",
		"orderBy":{"type":"Relationship","object":"urn:ngsi-ld:Owner:jo"}}`)
	w := doRequest(router, adminAuth(), http.MethodPost, "/api/v1/budgets", body)
	require.Equal(t, http.StatusCreated, w.Code)

	// a 201 echoes the submitted representation
	var echoed map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &echoed))
	assert.Equal(t, "urn:ngsi-ld:Budget:1", echoed["id"])

	created := events.byType(EventBudgetCreated)
	require.Len(t, created, 1)
	assert.Equal(t, "urn:ngsi-ld:Budget:1", created[0].Key)
}

func TestCreateLeftoverOrdersByWorkshop(t *testing.T) {
	var submitted map[string]interface{}
	router, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&submitted))
			w.WriteHeader(http.StatusCreated)
			return
		}
		// organization lookup
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[{"id":"urn:ngsi-ld:Organization:workshop","type":"Organization"}]`))
	})

	body := []byte(`{"id":"urn:ngsi-ld:Leftover:1","type":"Leftover",
		"orderBy":{"type":"Relationship","object":"urn:ngsi-ld:Owner:jo"}}`)
	w := doRequest(router, adminAuth(), http.MethodPost, "/api/v1/leftovers", body)
	require.Equal(t, http.StatusCreated, w.Code)

	orderBy, ok := submitted["orderBy"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "urn:ngsi-ld:Organization:workshop", orderBy["object"])
}

func TestCreateFurnitureRequiresMandatoryAttributes(t *testing.T) {
	router, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("broker must not be called")
	})

	body := []byte(`{"id":"urn:ngsi-ld:Furniture:f1","type":"Furniture",
		"hasBudget":{"type":"Relationship","object":"urn:ngsi-ld:Budget:b1"}}`)
	w := doRequest(router, adminAuth(), http.MethodPost, "/api/v1/furniture", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "'name' is mandatory")
}

func TestCreateFurnitureBatchPartialSuccess(t *testing.T) {
	router, events := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/ngsi-ld/v1/entityOperations/create":
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte(`{"success":["urn:ngsi-ld:Furniture:f1"],
				"errors":[{"entityId":"urn:ngsi-ld:Furniture:f2"}]}`))
		case r.URL.Path == "/ngsi-ld/v1/entities/urn:ngsi-ld:Budget:b1":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"id":"urn:ngsi-ld:Budget:b1","type":"Budget","orderBy":"urn:ngsi-ld:Owner:jo"}`))
		case r.URL.Path == "/ngsi-ld/v1/entities/urn:ngsi-ld:Owner:jo":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"id":"urn:ngsi-ld:Owner:jo","type":"Owner"}`))
		default:
			// furniture uniqueness probe
			w.WriteHeader(http.StatusNoContent)
		}
	})

	body := []byte(`[
		{"id":"urn:ngsi-ld:Furniture:f1","type":"Furniture",
			"hasBudget":{"type":"Relationship","object":"urn:ngsi-ld:Budget:b1"},
			"name":{"type":"Property","value":"sideboard"},
			"furnitureType":{"type":"Property","value":"accessory"}},
		{"id":"urn:ngsi-ld:Furniture:f2","type":"Furniture",
			"hasBudget":{"type":"Relationship","object":"urn:ngsi-ld:Budget:b1"},
			"name":{"type":"Property","value":"cabinet"},
			"furnitureType":{"type":"Property","value":"accessory"}}]`)
	w := doRequest(router, adminAuth(), http.MethodPost, "/api/v1/furniture", body)
	require.Equal(t, http.StatusMultiStatus, w.Code)

	created := events.byType(EventFurnitureCreated)
	require.Len(t, created, 1)
	var payload FurnitureCreatedEvent
	require.NoError(t, json.Unmarshal(created[0].Payload, &payload))
	assert.Equal(t, []string{"urn:ngsi-ld:Furniture:f1"}, payload.IDs)
}

func TestFurnitureRenameRaisesEvent(t *testing.T) {
	router, events := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"urn:ngsi-ld:Furniture:f1","type":"Furniture",
			"name":{"type":"Property","value":"old name"}}`))
	})

	update := []byte(`{"name":{"type":"Property","value":"new name"}}`)
	w := doRequest(router, adminAuth(), http.MethodPatch, "/api/v1/furniture/urn:ngsi-ld:Furniture:f1", update)
	require.Equal(t, http.StatusOK, w.Code)

	renamed := events.byType(EventFurnitureRenamed)
	require.Len(t, renamed, 1)
	var payload FurnitureRenamedEvent
	require.NoError(t, json.Unmarshal(renamed[0].Payload, &payload))
	assert.Equal(t, "old name", payload.OldName)
}

func TestBrokerDownAnswers503(t *testing.T) {
	router := mux.NewRouter()
	New(&Builder{
		// closed port, nothing listens here
		Broker: orion.NewClient(&orion.ClientBuilder{BrokerURL: "http://127.0.0.1:1"}),
		Router: router,
	})
	w := doRequest(router, adminAuth(), http.MethodGet, "/api/v1/budgets", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "out of service")
}

func TestHomeDocument(t *testing.T) {
	router, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	w := doRequest(router, nil, http.MethodGet, "/api/v1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/v1/budgets")
	assert.Contains(t, w.Body.String(), "/api/v1/worker-tasks")
}
