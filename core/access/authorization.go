// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package access provides utilities for access control
 */
package access

import (
	"context"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context keys
const (
	contextKeyAuthorization contextKey = "_authorization_"
	contextKeyIdentity      contextKey = "_identity_"
)

// Role is the profile role of an authenticated requester.
type Role string

// The roles known to the proxy. Admin and worker see the entire tenant,
// customers only what they transitively own, organizations authenticate
// machine-to-machine calls from workshop software.
const (
	RoleAdmin        Role = "admin"
	RoleWorker       Role = "worker"
	RoleCustomer     Role = "customer"
	RoleOrganization Role = "organization"
)

/*Authorization is a context object which stores authorization information
for an authenticated requester.

An authorization carries the requester's role, the URN of their profile
entity in the context broker, their email and the list of permission
codenames granted to them.

Authorizations are added to a request context with

  ctx = auth.ContextWithAuthorization(ctx)

and retrieved with

  auth := AuthorizationFromContext(ctx)

Authorization objects are added to the context by the JWT middleware,
depending on the bearer token in the HTTP request.
*/
type Authorization struct {
	Role Role `json:"role"`
	// Profile is the URN of the requester's profile entity in the broker,
	// e.g. "urn:ngsi-ld:Owner:jane_doe" for a customer or
	// "urn:ngsi-ld:Worker:w_17" for a worker.
	Profile string `json:"profile,omitempty"`
	// Organization is the URN of the organization a worker belongs to.
	Organization string   `json:"organization,omitempty"`
	Email        string   `json:"email,omitempty"`
	Permissions  []string `json:"permissions,omitempty"`
}

// HasRole returns true if the authorization carries the requested role;
// otherwise it returns false.
func (a *Authorization) HasRole(role Role) bool {
	return a != nil && a.Role == role
}

// IsAdmin returns true for the admin role.
func (a *Authorization) IsAdmin() bool { return a.HasRole(RoleAdmin) }

// IsWorker returns true for the worker role.
func (a *Authorization) IsWorker() bool { return a.HasRole(RoleWorker) }

// IsCustomer returns true for the customer role.
func (a *Authorization) IsCustomer() bool { return a.HasRole(RoleCustomer) }

// IsOrganization returns true for the organization role.
func (a *Authorization) IsOrganization() bool { return a.HasRole(RoleOrganization) }

// IsPrivileged returns true for the roles that see the entire tenant and
// may write protected attributes.
func (a *Authorization) IsPrivileged() bool {
	return a.IsAdmin() || a.IsWorker()
}

// HasPermission returns true if the authorization carries the permission
// codename, e.g. "view_budget" or "delete_furniture". The admin role
// carries all permissions implicitly.
func (a *Authorization) HasPermission(codename string) bool {
	if a == nil {
		return false
	}
	if a.Role == RoleAdmin {
		return true
	}
	for _, p := range a.Permissions {
		if p == codename {
			return true
		}
	}
	return false
}

// ContextWithAuthorization returns a new context with this authorization added to it
func (a *Authorization) ContextWithAuthorization(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, a)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, ok := ctx.Value(contextKeyAuthorization).(*Authorization)
	if ok {
		return a
	}
	return nil
}

// ContextWithIdentity returns a new context with the authenticated identity added to it
func ContextWithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity)
}

// IdentityFromContext retrieves the authenticated identity from the context
func IdentityFromContext(ctx context.Context) string {
	identity, _ := ctx.Value(contextKeyIdentity).(string)
	return identity
}

// AuthorizationCache is an in-memory cache for authorizations. It is used by
// jwt middleware to cache authorization objects for bearer tokens.
// The purpose of the cache is to reduce the number of token parses, without
// the cache the middleware would have to validate claims for every single
// request.
type AuthorizationCache struct {
	mutex sync.RWMutex
	cache map[string]*Authorization
}

// NewAuthorizationCache creates a new authorization cache
func NewAuthorizationCache() *AuthorizationCache {
	return &AuthorizationCache{cache: make(map[string]*Authorization)}
}

// Read returns an authorization from in-process cache.
// Token should be the temporary token the authorization was derived from, not any of the ids.
// This function is go-route safe
func (a *AuthorizationCache) Read(token string) *Authorization {
	a.mutex.RLock()
	auth, ok := a.cache[token]
	a.mutex.RUnlock()
	if ok {
		return auth
	}
	return nil
}

// Write stores an authorization in the in-memory cache.
// Token should be the temporary token it was derived from, not any of the ids.
// This function is go-route safe
func (a *AuthorizationCache) Write(token string, auth *Authorization) {
	a.mutex.Lock()
	a.cache[token] = auth
	a.mutex.Unlock()
}

// HandleAuthorizationRoute adds a route /authorization GET to the router
//
// The route returns the current authorization for the provided bearer token.
func HandleAuthorizationRoute(router *mux.Router) {
	router.HandleFunc("/authorization", func(w http.ResponseWriter, r *http.Request) {
		auth := AuthorizationFromContext(r.Context())
		if auth == nil {
			w.WriteHeader(http.StatusNoContent)
		} else {
			jsonData, _ := json.MarshalIndent(auth, "", " ")
			w.Header().Set("Content-Type", "application/json")
			w.Write(jsonData)
		}
	}).Methods(http.MethodGet)
}
