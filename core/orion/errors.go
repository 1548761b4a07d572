package orion

import "errors"

// Sentinel errors for broker failures. Handlers map these onto HTTP status
// codes; everything else is an internal error.
var (
	// ErrBrokerUnavailable means the context broker could not be reached at all.
	ErrBrokerUnavailable = errors.New("context broker unavailable")
	// ErrBrokerAuthentication means the identity manager rejected or did not
	// issue the client-credentials token.
	ErrBrokerAuthentication = errors.New("context broker authentication failed")
	// ErrNotFound means the entity does not exist in the broker.
	ErrNotFound = errors.New("entity not found")
	// ErrTypeMismatch means an entity id names a different type than the resource.
	ErrTypeMismatch = errors.New("entity id does not match entity type")
	// ErrInvalidURN means an entity id is not a syntactically valid URN.
	ErrInvalidURN = errors.New("invalid entity urn")
)
