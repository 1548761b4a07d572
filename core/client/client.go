// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy and fast in-process access to the woodwork API

Instead of marshalling HTTP, the client talks directly to the mux router.
It is the tool of choice for unit and integration tests, and for request
handlers that need to call other handlers to fulfill their task. The same
client also works over the network against a running service when created
with NewWithURL.
*/
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/mofreitas/woodwork/core/access"
)

// Client provides easy access to the woodwork REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	auth       *access.Authorization
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the
// service, directly through the mux router.
//
// WithAuthorization() adds an authorization to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to a running service
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            url,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	c.defaultHeaders[key] = value
	return c
}

// WithToken returns a new client with a bearer token
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAdminAuthorization returns a new client with admin authorization
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithAdminAuthorization() Client {
	return c.WithAuthorization(&access.Authorization{Role: access.RoleAdmin})
}

// WithAuthorization returns a new client with a specific authorization
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithAuthorization(auth *access.Authorization) Client {
	c.auth = auth
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context of this client
func (c Client) Context() context.Context {
	ctx := c.ctx
	if c.ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = c.auth.ContextWithAuthorization(ctx)
	}
	return ctx
}

func (c Client) do(method, path string, body interface{}) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		j, ok := body.([]byte)
		if !ok {
			var err error
			j, err = json.Marshal(body)
			if err != nil {
				return http.StatusBadRequest, nil, err
			}
		}
		reader = bytes.NewReader(j)
	}
	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	var res *http.Response
	var resBody []byte
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res = rec.Result()
		resBody = rec.Body.Bytes()
	} else {
		if c.token != "" {
			r.Header.Add("Authorization", "Bearer "+c.token)
		}
		res, err = c.httpClient.Do(r)
		if err != nil {
			return http.StatusInternalServerError, nil, err
		}
		defer res.Body.Close()
		resBody, _ = io.ReadAll(res.Body)
	}

	return res.StatusCode, resBody, nil
}

// decode fills result from a response body. result can be a raw *[]byte.
func decode(body []byte, result interface{}) error {
	if len(body) == 0 || result == nil {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = body
		return nil
	}
	return json.Unmarshal(body, result)
}

func statusError(status int, want int, body []byte) error {
	return fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
		status, want, strings.TrimSpace(string(body)))
}

// RawGet gets the resource from path. Expects http.StatusOK as response,
// otherwise it will flag an error. Returns the actual http status code.
//
// The path can be extended with query strings.
//
// result can be map[string]interface{} or a raw *[]byte.
// result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, body, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return status, err
	}
	if status == http.StatusNoContent {
		return status, nil
	}
	if status != http.StatusOK {
		return status, statusError(status, http.StatusOK, body)
	}
	return status, decode(body, result)
}

// RawPost posts to path. Expects http.StatusCreated or http.StatusOK as
// response, otherwise it will flag an error. Returns the actual http
// status code.
//
// body can also be a []byte, result can also be a raw *[]byte.
// result can be nil.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	status, resBody, err := c.do(http.MethodPost, path, body)
	if err != nil {
		return status, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return status, statusError(status, http.StatusCreated, resBody)
	}
	return status, decode(resBody, result)
}

// RawPatch patches the resource at path. Expects http.StatusOK,
// http.StatusCreated or http.StatusNoContent as valid responses,
// otherwise it will flag an error. Returns the actual http status code.
//
// body can also be a []byte, result can also be a raw *[]byte.
// result can be nil.
func (c Client) RawPatch(path string, body interface{}, result interface{}) (int, error) {
	status, resBody, err := c.do(http.MethodPatch, path, body)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return status, errors.New(strings.TrimSpace(string(resBody)))
	}
	return status, decode(resBody, result)
}

// RawDelete deletes the resource at path. Expects http.StatusOK or
// http.StatusNoContent as response, otherwise it will flag an error.
// Returns the actual http status code.
func (c Client) RawDelete(path string) (int, error) {
	status, resBody, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return status, errors.New(strings.TrimSpace(string(resBody)))
	}
	return status, nil
}

// Resource is a client for one entity resource of the proxy, e.g.
// "budgets" or "furniture".
type Resource struct {
	client *Client
	path   string
}

// Resource returns a new resource client for the given resource path
// below /api/v1.
func (c Client) Resource(resource string) Resource {
	return Resource{client: &c, path: "/api/v1/" + resource}
}

// List gets all entities of the resource visible to the requester.
func (r Resource) List(result interface{}) (int, error) {
	return r.client.RawGet(r.path, result)
}

// Create creates a new entity. body can be a single entity or an array
// of entities for a batch create.
func (r Resource) Create(body interface{}, result interface{}) (int, error) {
	return r.client.RawPost(r.path, body, result)
}

// Retrieve reads a single entity by urn.
func (r Resource) Retrieve(id string, result interface{}) (int, error) {
	return r.client.RawGet(r.path+"/"+id, result)
}

// Update patches existing attributes of an entity.
func (r Resource) Update(id string, body interface{}, result interface{}) (int, error) {
	return r.client.RawPatch(r.path+"/"+id, body, result)
}

// CreateAttrs appends attributes to an entity, overwriting existing ones.
func (r Resource) CreateAttrs(id string, body interface{}, result interface{}) (int, error) {
	return r.client.RawPost(r.path+"/"+id+"/attrs", body, result)
}

// Delete removes an entity and triggers its cascade.
func (r Resource) Delete(id string) (int, error) {
	return r.client.RawDelete(r.path + "/" + id)
}
