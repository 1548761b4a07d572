// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package orion talks to an NGSI-LD context broker.

The package provides the raw broker verbs with tenant and JSON-LD context
headers, an OAuth2 client-credentials token source with a pluggable cache,
and the payload model used to build entity representations.
*/
package orion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
)

const (
	entitiesPath    = "/ngsi-ld/v1/entities"
	batchCreatePath = "/ngsi-ld/v1/entityOperations/create"
	batchDeletePath = "/ngsi-ld/v1/entityOperations/delete"

	// broker queries without explicit pagination use this limit
	defaultQueryLimit = 1000
)

// ClientBuilder is a builder helper for the broker Client
type ClientBuilder struct {
	// BrokerURL is the base URL of the context broker, e.g. "http://orion:1026"
	BrokerURL string
	// Tenant is sent as NGSILD-Tenant header on every request
	Tenant string
	// ContextURL is the JSON-LD @context document, sent in the Link header
	ContextURL string
	// TokenSource authenticates requests towards the broker. Optional.
	TokenSource oauth2.TokenSource
	// Timeout for any single broker request. Default is 15 seconds.
	Timeout time.Duration
}

// Client is an NGSI-LD context broker client
type Client struct {
	brokerURL  string
	tenant     string
	contextURL string
	http       *http.Client
}

// Response carries the broker status code and raw body back to the caller.
// The proxy forwards broker bodies mostly verbatim, so we do not decode
// eagerly.
type Response struct {
	StatusCode int
	Body       []byte
}

// NewClient creates a broker client. Panics on invalid builder input.
func NewClient(cb *ClientBuilder) *Client {
	if cb.BrokerURL == "" {
		panic("orion: cannot create client without broker URL")
	}
	timeout := cb.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	transport := http.DefaultTransport
	if cb.TokenSource != nil {
		transport = &oauth2.Transport{Source: cb.TokenSource, Base: transport}
	}
	return &Client{
		brokerURL:  strings.TrimSuffix(cb.BrokerURL, "/"),
		tenant:     cb.Tenant,
		contextURL: cb.ContextURL,
		http:       &http.Client{Timeout: timeout, Transport: transport},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (Response, error) {
	u := c.brokerURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return Response{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if c.tenant != "" {
		req.Header.Set("NGSILD-Tenant", c.tenant)
	}
	if c.contextURL != "" {
		req.Header.Set("Link", fmt.Sprintf(
			`<%s>; rel="http://www.w3.org/ns/json-ld#context"; type="application/ld+json"`, c.contextURL))
	}

	res, err := c.http.Do(req)
	if err != nil {
		return Response{}, c.mapTransportError(err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return Response{StatusCode: res.StatusCode, Body: data}, nil
}

// mapTransportError distinguishes a rejected token grant from a broker
// that cannot be reached.
func (c *Client) mapTransportError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%w: %v", ErrBrokerAuthentication, retrieveErr)
	}
	return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
}

// ListEntities queries GET /entities with the given parameters.
func (c *Client) ListEntities(ctx context.Context, params url.Values) (Response, error) {
	return c.do(ctx, http.MethodGet, entitiesPath, params, nil)
}

// CreateEntity posts a single entity representation.
func (c *Client) CreateEntity(ctx context.Context, body []byte) (Response, error) {
	return c.do(ctx, http.MethodPost, entitiesPath, nil, body)
}

// BatchCreateEntities posts an array of entity representations to the
// batch create endpoint. A partial failure yields status 207 with the
// succeeded ids in the body, see BatchSuccess.
func (c *Client) BatchCreateEntities(ctx context.Context, body []byte) (Response, error) {
	return c.do(ctx, http.MethodPost, batchCreatePath, nil, body)
}

// GetEntity retrieves a single entity.
func (c *Client) GetEntity(ctx context.Context, id string, params url.Values) (Response, error) {
	return c.do(ctx, http.MethodGet, entitiesPath+"/"+url.PathEscape(id), params, nil)
}

// PatchEntityAttributes updates existing attributes of an entity.
func (c *Client) PatchEntityAttributes(ctx context.Context, id string, body []byte) (Response, error) {
	return c.do(ctx, http.MethodPatch, entitiesPath+"/"+url.PathEscape(id)+"/attrs", nil, body)
}

// UpsertEntityAttributes appends attributes to an entity, overwriting
// attributes that already exist.
func (c *Client) UpsertEntityAttributes(ctx context.Context, id string, body []byte) (Response, error) {
	return c.do(ctx, http.MethodPost, entitiesPath+"/"+url.PathEscape(id)+"/attrs", nil, body)
}

// DeleteEntity removes a single entity.
func (c *Client) DeleteEntity(ctx context.Context, id string) (Response, error) {
	return c.do(ctx, http.MethodDelete, entitiesPath+"/"+url.PathEscape(id), nil, nil)
}

// BatchDeleteEntities removes all given entities in one request. The
// broker expects a plain JSON array of entity ids.
func (c *Client) BatchDeleteEntities(ctx context.Context, ids []string) (Response, error) {
	body, err := json.Marshal(ids)
	if err != nil {
		return Response{}, err
	}
	return c.do(ctx, http.MethodPost, batchDeletePath, nil, body)
}

// GetKeyValues retrieves the simplified keyValues representation of one
// entity. Returns ErrNotFound when the broker does not know the id.
func (c *Client) GetKeyValues(ctx context.Context, id string) (map[string]interface{}, error) {
	params := url.Values{"options": []string{"keyValues"}}
	res, err := c.GetEntity(ctx, id, params)
	if err != nil {
		return nil, err
	}
	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broker returned status %d for %s", res.StatusCode, id)
	}
	return DecodeEntity(res.Body)
}

// QueryKeyValues lists all entities of a type matching the q filter in
// keyValues representation. An empty q lists the whole type.
func (c *Client) QueryKeyValues(ctx context.Context, entityType, q string) ([]map[string]interface{}, error) {
	params := url.Values{
		"type":    []string{entityType},
		"options": []string{"keyValues"},
		"limit":   []string{strconv.Itoa(defaultQueryLimit)},
	}
	if q != "" {
		params.Set("q", q)
	}
	res, err := c.ListEntities(ctx, params)
	if err != nil {
		return nil, err
	}
	if res.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broker returned status %d listing %s", res.StatusCode, entityType)
	}
	var entities []map[string]interface{}
	if err := json.Unmarshal(res.Body, &entities); err != nil {
		return nil, fmt.Errorf("cannot decode %s list: %w", entityType, err)
	}
	return entities, nil
}

// QueryIDs returns the ids of all entities of a type matching the q filter.
func (c *Client) QueryIDs(ctx context.Context, entityType, q string) ([]string, error) {
	entities, err := c.QueryKeyValues(ctx, entityType, q)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entities))
	for _, entity := range entities {
		if id, ok := entity["id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// BatchSuccess extracts the succeeded entity ids from a 207 batch
// response body.
func BatchSuccess(body []byte) []string {
	var result struct {
		Success []string `json:"success"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil
	}
	return result.Success
}

// DecodeEntity decodes a broker entity body. Some broker deployments
// double-encode bodies with non-ASCII attribute values; when plain
// decoding fails the body is unescaped once and decoded again.
func DecodeEntity(body []byte) (map[string]interface{}, error) {
	var entity map[string]interface{}
	if err := json.Unmarshal(body, &entity); err == nil {
		return entity, nil
	}
	var escaped string
	if err := json.Unmarshal(body, &escaped); err == nil {
		if err := json.Unmarshal([]byte(escaped), &entity); err == nil {
			return entity, nil
		}
	}
	return nil, fmt.Errorf("cannot decode entity body: %q", string(body))
}
