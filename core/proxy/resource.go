// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package proxy

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/mofreitas/woodwork/core/access"
	"github.com/mofreitas/woodwork/core/jobs"
	"github.com/mofreitas/woodwork/core/logger"
	"github.com/mofreitas/woodwork/core/orion"
	"github.com/mofreitas/woodwork/core/schema"
)

// Builder is a builder helper for the proxy Backend
type Builder struct {
	// Broker is the context broker client
	Broker *orion.Client
	// Router is the mux router all resource routes are registered on
	Router *mux.Router
	// Events receives lifecycle events. Optional; without it the
	// consistency workflow is not triggered.
	Events Eventer
	// Validator validates create payloads for descriptors with a schema
	Validator *schema.Validator
	// Prefix is the API prefix, default "/api/v1"
	Prefix string
}

// Backend is the REST surface proxying the context broker.
type Backend struct {
	broker    *orion.Client
	scope     *Scope
	events    Eventer
	validator *schema.Validator
	prefix    string
}

// New creates the proxy backend and registers all resource routes.
// Panics on invalid builder input.
func New(b *Builder) *Backend {
	if b.Broker == nil {
		panic("proxy: cannot create backend without broker client")
	}
	if b.Router == nil {
		panic("proxy: cannot create backend without router")
	}
	prefix := b.Prefix
	if prefix == "" {
		prefix = "/api/v1"
	}
	backend := &Backend{
		broker:    b.Broker,
		scope:     NewScope(b.Broker),
		events:    b.Events,
		validator: b.Validator,
		prefix:    prefix,
	}
	backend.handleRoutes(b.Router)
	return backend
}

// Scope returns the backend's scope resolver.
func (p *Backend) Scope() *Scope {
	return p.scope
}

func (p *Backend) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("proxy resources")

	p.handleHomeRoute(router)
	for _, desc := range Registry {
		rc := &resource{
			Descriptor: desc,
			broker:     p.broker,
			scope:      p.scope,
			events:     p.events,
			validator:  p.validator,
		}
		collection := p.prefix + "/" + desc.Path
		detail := collection + "/{id}"

		if desc.Verbs.List {
			rlog.Debugln("  handle route:", collection, "GET")
			router.HandleFunc(collection, rc.list).Methods(http.MethodOptions, http.MethodGet)
		}
		if desc.Verbs.Create {
			rlog.Debugln("  handle route:", collection, "POST")
			router.HandleFunc(collection, rc.create).Methods(http.MethodOptions, http.MethodPost)
		}
		if desc.Verbs.Retrieve {
			router.HandleFunc(detail, rc.retrieve).Methods(http.MethodOptions, http.MethodGet)
		}
		if desc.Verbs.Update {
			router.HandleFunc(detail, rc.update).Methods(http.MethodOptions, http.MethodPatch)
		}
		if desc.Verbs.Delete {
			router.HandleFunc(detail, rc.delete).Methods(http.MethodOptions, http.MethodDelete)
		}
		if desc.Verbs.CreateAttrs {
			router.HandleFunc(detail+"/attrs", rc.createAttrs).Methods(http.MethodOptions, http.MethodPost)
		}
	}
}

// handleHomeRoute registers the home document listing the available
// resource endpoints.
func (p *Backend) handleHomeRoute(router *mux.Router) {
	type endpoint struct {
		Resource string `json:"resource"`
		URL      string `json:"url"`
	}
	var endpoints []endpoint
	for _, desc := range Registry {
		endpoints = append(endpoints, endpoint{Resource: desc.Resource, URL: p.prefix + "/" + desc.Path})
	}
	endpoints = append(endpoints,
		endpoint{Resource: "folder", URL: p.prefix + "/folders"},
		endpoint{Resource: "file", URL: p.prefix + "/files"},
		endpoint{Resource: "health", URL: "/woodwork/health"},
	)
	router.HandleFunc(p.prefix, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"endpoints": endpoints})
	}).Methods(http.MethodOptions, http.MethodGet)
}

type resource struct {
	Descriptor
	broker    *orion.Client
	scope     *Scope
	events    Eventer
	validator *schema.Validator
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeRaw forwards a broker body verbatim.
func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if len(body) > 0 {
		w.Write(body)
	}
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"message": message, "ok": false, "status": status})
}

// writeBrokerError maps broker transport failures onto 503 responses and
// everything else onto a logged 500.
func writeBrokerError(w http.ResponseWriter, r *http.Request, err error, errorCode string) {
	rlog := logger.FromContext(r.Context())
	if errors.Is(err, orion.ErrBrokerAuthentication) {
		rlog.WithError(err).Errorf("Error %s: broker authentication failed", errorCode)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"detail": "authentication with the context broker failed"})
		return
	}
	if errors.Is(err, orion.ErrBrokerUnavailable) {
		rlog.WithError(err).Errorf("Error %s: broker unavailable", errorCode)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"detail": "the context broker is out of service"})
		return
	}
	rlog.WithError(err).Errorf("Error %s: broker request failed", errorCode)
	http.Error(w, "Error "+errorCode, http.StatusInternalServerError)
}

// authorize enforces the permission gate: authentication first, then the
// operation's permission codename for this resource.
func (rc *resource) authorize(w http.ResponseWriter, r *http.Request, operation string) (*access.Authorization, bool) {
	auth := access.AuthorizationFromContext(r.Context())
	if auth == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"detail": "authentication credentials were not provided"})
		return nil, false
	}
	codename := operation + "_" + rc.Resource
	if !auth.HasPermission(codename) {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"detail": "you do not have permission to perform this action"})
		return nil, false
	}
	return auth, true
}

// checkURN is the fast-fail gate of every detail route: the id must be a
// syntactically valid URN naming this resource's entity type. No broker
// round trip is spent on malformed ids.
func (rc *resource) checkURN(w http.ResponseWriter, id string) bool {
	if err := orion.CheckURN(id, rc.Type); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// cleanParams strips the reserved scope parameters from a query.
func cleanParams(query url.Values) url.Values {
	params := url.Values{}
	for key, values := range query {
		if !reservedParams[key] {
			params[key] = values
		}
	}
	return params
}

func (rc *resource) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	auth, ok := rc.authorize(w, r, "view")
	if !ok {
		return
	}

	params := cleanParams(r.URL.Query())
	scopeParams, err := rc.scope.GenerateParams(ctx, rc.Descriptor, auth)
	if err != nil {
		writeBrokerError(w, r, err, "2001")
		return
	}
	for key, values := range scopeParams {
		params[key] = values
	}

	res, err := rc.broker.ListEntities(ctx, params)
	if err != nil {
		writeBrokerError(w, r, err, "2002")
		return
	}
	switch res.StatusCode {
	case http.StatusOK:
		writeRaw(w, http.StatusOK, res.Body)
	case http.StatusNoContent:
		writeMessage(w, http.StatusNotFound, "No entity found")
	default:
		writeMessage(w, http.StatusNotFound, "No entity found")
	}
}

func (rc *resource) retrieve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !rc.checkURN(w, id) {
		return
	}
	auth, ok := rc.authorize(w, r, "view")
	if !ok {
		return
	}

	entity, ok := rc.guardedFetch(w, r, auth, id, cleanParams(r.URL.Query()), "Entity not found")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

// guardedFetch retrieves the entity and verifies ownership for the
// requesting customer. Both a missing entity and a failed verification
// answer with the same 404 body.
func (rc *resource) guardedFetch(w http.ResponseWriter, r *http.Request, auth *access.Authorization,
	id string, params url.Values, message string) (map[string]interface{}, bool) {

	ctx := r.Context()
	res, err := rc.broker.GetEntity(ctx, id, params)
	if err != nil {
		writeBrokerError(w, r, err, "2003")
		return nil, false
	}
	if res.StatusCode != http.StatusOK {
		writeMessage(w, http.StatusNotFound, message)
		return nil, false
	}
	entity, err := orion.DecodeEntity(res.Body)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 2004: cannot decode broker entity")
		http.Error(w, "Error 2004", http.StatusInternalServerError)
		return nil, false
	}
	owned, err := rc.scope.VerifyOwnership(ctx, rc.Descriptor, auth, entity)
	if err != nil {
		writeBrokerError(w, r, err, "2005")
		return nil, false
	}
	if !owned {
		writeMessage(w, http.StatusNotFound, message)
		return nil, false
	}
	return entity, true
}

func (rc *resource) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := rc.authorize(w, r, "add"); !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "cannot read request body")
		return
	}

	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("[")) {
		rc.createBatch(w, r, body)
		return
	}

	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		writeMessage(w, http.StatusBadRequest, "request body is not a JSON object")
		return
	}
	if !rc.prepareCreate(w, r, data) {
		return
	}

	payload, err := json.Marshal(data)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "cannot encode entity")
		return
	}
	res, err := rc.broker.CreateEntity(ctx, payload)
	if err != nil {
		writeBrokerError(w, r, err, "2006")
		return
	}
	if res.StatusCode != http.StatusCreated {
		writeRaw(w, res.StatusCode, res.Body)
		return
	}

	id, _ := data["id"].(string)
	rc.notifyCreated(r, []string{id})
	writeJSON(w, http.StatusCreated, data)
}

func (rc *resource) createBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	ctx := r.Context()
	var datas []map[string]interface{}
	if err := json.Unmarshal(body, &datas); err != nil {
		writeMessage(w, http.StatusBadRequest, "request body is not a JSON array")
		return
	}
	if len(datas) == 0 {
		writeMessage(w, http.StatusBadRequest, "request body is an empty array")
		return
	}
	ids := make([]string, 0, len(datas))
	for _, data := range datas {
		if !rc.prepareCreate(w, r, data) {
			return
		}
		id, _ := data["id"].(string)
		ids = append(ids, id)
	}
	payload, err := json.Marshal(datas)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "cannot encode entities")
		return
	}
	res, err := rc.broker.BatchCreateEntities(ctx, payload)
	if err != nil {
		writeBrokerError(w, r, err, "2007")
		return
	}
	switch res.StatusCode {
	case http.StatusCreated:
		rc.notifyCreated(r, ids)
		writeRaw(w, http.StatusCreated, res.Body)
	case http.StatusMultiStatus:
		// only the succeeded subset enters the consistency workflow
		if succeeded := orion.BatchSuccess(res.Body); len(succeeded) > 0 {
			rc.notifyCreated(r, succeeded)
		}
		writeRaw(w, http.StatusMultiStatus, res.Body)
	default:
		writeRaw(w, res.StatusCode, res.Body)
	}
}

// prepareCreate normalizes and validates a single create payload in
// place. It answers the request itself when validation fails.
func (rc *resource) prepareCreate(w http.ResponseWriter, r *http.Request, data map[string]interface{}) bool {
	ctx := r.Context()

	// a declared type is always forced to the resource's entity type
	if _, ok := data["type"]; ok {
		data["type"] = rc.Type
	}
	id, _ := data["id"].(string)
	if !rc.checkURN(w, id) {
		return false
	}

	if rc.SchemaID != "" && rc.validator != nil && rc.validator.HasSchema(rc.SchemaID) {
		raw, _ := json.Marshal(data)
		if err := rc.validator.ValidateString(string(raw), rc.SchemaID); err != nil {
			writeMessage(w, http.StatusBadRequest, err.Error())
			return false
		}
	}

	var err error
	switch rc.Type {
	case orion.TypeBudget, orion.TypeProject:
		err = rc.validateOwnerReference(ctx, data)
	case orion.TypeFurniture:
		err = rc.validateFurniture(ctx, data)
	case orion.TypeLeftover:
		// leftovers are always ordered by the workshop organization,
		// regardless of what the client submitted
		var workshop string
		workshop, err = rc.scope.WorkshopOrganization(ctx)
		if err == nil {
			data["orderBy"] = map[string]interface{}{"type": "Relationship", "object": workshop}
		}
	}
	if verr, ok := AsValidationError(err); ok {
		writeMessage(w, http.StatusBadRequest, verr.Message)
		return false
	}
	if err != nil {
		writeBrokerError(w, r, err, "2008")
		return false
	}
	return true
}

// notifyCreated raises the post-create lifecycle events.
func (rc *resource) notifyCreated(r *http.Request, ids []string) {
	if rc.events == nil {
		return
	}
	ctx := r.Context()
	rlog := logger.FromContext(ctx)
	switch rc.Type {
	case orion.TypeBudget:
		for _, id := range ids {
			event := jobs.Event{Type: EventBudgetCreated, Key: id}.WithPayload(BudgetCreatedEvent{BudgetID: id})
			if err := rc.events.RaiseEvent(ctx, event); err != nil {
				rlog.WithError(err).Errorf("Error 2009: cannot raise %s for %s", EventBudgetCreated, id)
			}
		}
	case orion.TypeFurniture:
		event := jobs.Event{Type: EventFurnitureCreated, Key: ids[0]}.WithPayload(FurnitureCreatedEvent{IDs: ids})
		if err := rc.events.QueueEvent(ctx, event); err != nil {
			rlog.WithError(err).Errorf("Error 2010: cannot raise %s", EventFurnitureCreated)
		}
	}
}

func (rc *resource) update(w http.ResponseWriter, r *http.Request) {
	rc.applyAttrs(w, r, false)
}

func (rc *resource) createAttrs(w http.ResponseWriter, r *http.Request) {
	rc.applyAttrs(w, r, true)
}

// applyAttrs implements both the update (PATCH attrs) and the append
// (POST attrs) flows: guarded fetch, protected attribute stripping, the
// broker write, and on success a fresh GET of the changed entity.
func (rc *resource) applyAttrs(w http.ResponseWriter, r *http.Request, upsert bool) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	if !rc.checkURN(w, id) {
		return
	}
	auth, ok := rc.authorize(w, r, "change")
	if !ok {
		return
	}

	current, ok := rc.guardedFetch(w, r, auth, id, nil, "No entity found!")
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "cannot read request body")
		return
	}
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		writeMessage(w, http.StatusBadRequest, "request body is not a JSON object")
		return
	}

	incoming := make([]byte, len(body))
	copy(incoming, body)

	// id and type are immutable; the ownership chain and workflow fields
	// may only be written by privileged roles
	delete(data, "id")
	delete(data, "type")
	if !auth.IsPrivileged() {
		for _, attr := range protectedAttrs {
			delete(data, attr)
		}
	}

	oldName := PropertyString(current, "name")

	payload, err := json.Marshal(data)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "cannot encode attributes")
		return
	}
	var res orion.Response
	if upsert {
		res, err = rc.broker.UpsertEntityAttributes(ctx, id, payload)
	} else {
		res, err = rc.broker.PatchEntityAttributes(ctx, id, payload)
	}
	if err != nil {
		writeBrokerError(w, r, err, "2011")
		return
	}
	if res.StatusCode != http.StatusNoContent {
		writeRaw(w, http.StatusBadRequest, res.Body)
		return
	}

	rc.notifyChanged(r, id, oldName, incoming, current, data)

	// answer with the fresh representation
	fresh, err := rc.broker.GetEntity(ctx, id, nil)
	if err != nil {
		writeBrokerError(w, r, err, "2012")
		return
	}
	writeRaw(w, fresh.StatusCode, fresh.Body)
}

// notifyChanged raises the post-update lifecycle events.
func (rc *resource) notifyChanged(r *http.Request, id, oldName string, incoming []byte,
	current map[string]interface{}, applied map[string]interface{}) {

	if rc.events == nil {
		return
	}
	ctx := r.Context()
	rlog := logger.FromContext(ctx)
	switch rc.Type {
	case orion.TypeBudget:
		currentRaw, _ := json.Marshal(current)
		event := jobs.Event{Type: EventBudgetChanged, Key: id}.WithPayload(BudgetChangedEvent{
			BudgetID: id,
			Incoming: incoming,
			Current:  currentRaw,
		})
		if err := rc.events.RaiseEvent(ctx, event); err != nil {
			rlog.WithError(err).Errorf("Error 2013: cannot raise %s for %s", EventBudgetChanged, id)
		}
	case orion.TypeFurniture:
		newName := PropertyString(applied, "name")
		if newName == "" || newName == oldName {
			return
		}
		event := jobs.Event{Type: EventFurnitureRenamed, Key: id}.WithPayload(FurnitureRenamedEvent{
			ID:      id,
			OldName: oldName,
		})
		if err := rc.events.RaiseEvent(ctx, event); err != nil {
			rlog.WithError(err).Errorf("Error 2014: cannot raise %s for %s", EventFurnitureRenamed, id)
		}
	}
}

func (rc *resource) delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	if !rc.checkURN(w, id) {
		return
	}
	auth, ok := rc.authorize(w, r, "delete")
	if !ok {
		return
	}

	entity, ok := rc.guardedFetch(w, r, auth, id, nil, "No entity found!")
	if !ok {
		return
	}

	res, err := rc.broker.DeleteEntity(ctx, id)
	if err != nil {
		writeBrokerError(w, r, err, "2015")
		return
	}
	if res.StatusCode != http.StatusNoContent {
		writeMessage(w, http.StatusNotFound, "No entity found!")
		return
	}

	// the cascade fires only once the broker committed the delete; the
	// event carries the entity context fetched above, since there is
	// nothing left to read now
	if !rc.notifyDeleted(w, r, id, entity) {
		return
	}
	writeRaw(w, http.StatusOK, nil)
}

// notifyDeleted raises the post-delete lifecycle event. A failure to
// enqueue answers 500 so the orphaned dependents do not go unnoticed.
func (rc *resource) notifyDeleted(w http.ResponseWriter, r *http.Request, id string, entity map[string]interface{}) bool {
	if rc.events == nil {
		return true
	}
	ctx := r.Context()
	rlog := logger.FromContext(ctx)

	var event *jobs.Event
	switch rc.Type {
	case orion.TypeBudget:
		e := jobs.Event{Type: EventBudgetDeleted, Key: id}.WithPayload(EntityDeletedEvent{
			ID:    id,
			Name:  PropertyString(entity, "name"),
			Owner: RelationshipObject(entity, "orderBy"),
		})
		event = &e
	case orion.TypeProject:
		e := jobs.Event{Type: EventProjectDeleted, Key: id}.WithPayload(EntityDeletedEvent{
			ID:    id,
			Name:  PropertyString(entity, "name"),
			Owner: RelationshipObject(entity, "orderBy"),
		})
		event = &e
	case orion.TypeOwner:
		e := jobs.Event{Type: EventOwnerDeleted, Key: id}.WithPayload(EntityDeletedEvent{
			ID:    id,
			Email: PropertyString(entity, "email"),
		})
		event = &e
	case orion.TypeFurniture:
		e := jobs.Event{Type: EventFurnitureDeleted, Key: id}.WithPayload(FurnitureDeletedEvent{
			ID:            id,
			Name:          PropertyString(entity, "name"),
			FurnitureType: PropertyString(entity, "furnitureType"),
			Group:         PropertyString(entity, "group"),
			SubGroup:      PropertyString(entity, "subGroup"),
			Budget:        RelationshipObject(entity, "hasBudget"),
		})
		event = &e
	default:
		return true
	}

	if err := rc.events.QueueEvent(ctx, *event); err != nil {
		rlog.WithError(err).Errorf("Error 2016: cannot raise %s for %s", event.Type, id)
		http.Error(w, "Error 2016", http.StatusInternalServerError)
		return false
	}
	return true
}
