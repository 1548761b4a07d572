package orion

import (
	"fmt"
	"regexp"
	"strings"
)

// urnRegex follows RFC 8141 with the character set the broker accepts.
var urnRegex = regexp.MustCompile(`^urn:[a-zA-Z0-9][a-zA-Z0-9-]{0,31}:[a-zA-Z0-9()+,\-.:=@;$_!*'%/?#]+$`)

// NewURN builds the canonical NGSI-LD urn for an entity type and a local id.
func NewURN(entityType, id string) string {
	return fmt.Sprintf("urn:ngsi-ld:%s:%s", entityType, id)
}

// ValidURN returns true if urn is syntactically valid.
func ValidURN(urn string) bool {
	return urnRegex.MatchString(urn)
}

// URNType extracts the entity type segment from an NGSI-LD urn, i.e. the
// "Budget" in "urn:ngsi-ld:Budget:b_1". The second return value is false
// when the urn does not carry a type segment.
func URNType(urn string) (string, bool) {
	parts := strings.SplitN(urn, ":", 4)
	if len(parts) < 4 {
		return "", false
	}
	return parts[2], true
}

// CheckURN validates urn syntactically and verifies that its type segment
// names entityType. The two failure modes stay distinguishable so handlers
// can report them separately.
func CheckURN(urn, entityType string) error {
	if !ValidURN(urn) {
		return fmt.Errorf("%w: %q", ErrInvalidURN, urn)
	}
	typ, ok := URNType(urn)
	if !ok || typ != entityType {
		return fmt.Errorf("%w: %q is not a %s", ErrTypeMismatch, urn, entityType)
	}
	return nil
}

// LocalID returns the final segment of an NGSI-LD urn, the part after the
// entity type.
func LocalID(urn string) string {
	parts := strings.SplitN(urn, ":", 4)
	if len(parts) < 4 {
		return urn
	}
	return parts[3]
}
