// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package test carries the integration test suite of the woodwork
// service: a real Postgres from a testcontainer, an in-memory context
// broker, and the full service wiring in between.
package test

import (
	"net/http"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/mofreitas/woodwork/core/proxy"
)

// brokerStub is a minimal in-memory NGSI-LD context broker. It stores
// entity documents as posted and answers the query subset the service
// uses: type filters plus q expressions of ;-joined attr=="value" terms,
// each with an optional ,-joined OR list of values.
type brokerStub struct {
	mutex    sync.Mutex
	entities map[string]map[string]interface{}
}

func newBrokerStub() *brokerStub {
	return &brokerStub{entities: map[string]map[string]interface{}{}}
}

func (b *brokerStub) router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ngsi-ld/v1/entities", b.list).Methods(http.MethodGet)
	router.HandleFunc("/ngsi-ld/v1/entities", b.create).Methods(http.MethodPost)
	router.HandleFunc("/ngsi-ld/v1/entities/{id}", b.get).Methods(http.MethodGet)
	router.HandleFunc("/ngsi-ld/v1/entities/{id}", b.delete).Methods(http.MethodDelete)
	router.HandleFunc("/ngsi-ld/v1/entities/{id}/attrs", b.patchAttrs).Methods(http.MethodPatch, http.MethodPost)
	router.HandleFunc("/ngsi-ld/v1/entityOperations/create", b.batchCreate).Methods(http.MethodPost)
	router.HandleFunc("/ngsi-ld/v1/entityOperations/delete", b.batchDelete).Methods(http.MethodPost)
	return router
}

// Entity returns a stored entity document, or nil.
func (b *brokerStub) Entity(id string) map[string]interface{} {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.entities[id]
}

// matches evaluates a q expression against one entity.
func matches(entity map[string]interface{}, q string) bool {
	if q == "" {
		return true
	}
	for _, term := range strings.Split(q, ";") {
		parts := strings.SplitN(term, "==", 2)
		if len(parts) != 2 {
			return false
		}
		attribute := parts[0]
		actual := proxy.RelationshipObject(entity, attribute)
		if actual == "" {
			actual, _ = proxy.PropertyValue(entity, attribute).(string)
		}
		found := false
		for _, value := range strings.Split(parts[1], ",") {
			if actual != "" && actual == strings.Trim(value, `"`) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (b *brokerStub) list(w http.ResponseWriter, r *http.Request) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	entityType := r.URL.Query().Get("type")
	q := r.URL.Query().Get("q")
	var result []map[string]interface{}
	for _, entity := range b.entities {
		if entityType != "" && entity["type"] != entityType {
			continue
		}
		if !matches(entity, q) {
			continue
		}
		result = append(result, entity)
	}
	if len(result) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/ld+json")
	json.NewEncoder(w).Encode(result)
}

func (b *brokerStub) create(w http.ResponseWriter, r *http.Request) {
	var entity map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&entity); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, _ := entity["id"].(string)
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if _, ok := b.entities[id]; ok {
		http.Error(w, "already exists", http.StatusConflict)
		return
	}
	b.entities[id] = entity
	w.WriteHeader(http.StatusCreated)
}

func (b *brokerStub) get(w http.ResponseWriter, r *http.Request) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	entity, ok := b.entities[mux.Vars(r)["id"]]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/ld+json")
	json.NewEncoder(w).Encode(entity)
}

func (b *brokerStub) delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if _, ok := b.entities[id]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	delete(b.entities, id)
	w.WriteHeader(http.StatusNoContent)
}

func (b *brokerStub) patchAttrs(w http.ResponseWriter, r *http.Request) {
	var attrs map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&attrs); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := mux.Vars(r)["id"]
	b.mutex.Lock()
	defer b.mutex.Unlock()
	entity, ok := b.entities[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	for name, value := range attrs {
		if name == "id" || name == "type" {
			continue
		}
		entity[name] = value
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *brokerStub) batchCreate(w http.ResponseWriter, r *http.Request) {
	var entities []map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&entities); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for _, entity := range entities {
		if id, ok := entity["id"].(string); ok {
			b.entities[id] = entity
		}
	}
	w.WriteHeader(http.StatusCreated)
}

func (b *brokerStub) batchDelete(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for _, id := range ids {
		delete(b.entities, id)
	}
	w.WriteHeader(http.StatusNoContent)
}
