package rooms

import (
	"fmt"

	"github.com/google/uuid"
)

// IDProvider supplies opaque identifiers for rooms and events.
type IDProvider interface {
	NewID() (string, error)
}

// UUIDProvider generates random UUID identifiers.
type UUIDProvider struct{}

// NewUUIDProvider returns an IDProvider backed by random UUIDs.
func NewUUIDProvider() UUIDProvider {
	return UUIDProvider{}
}

// NewID returns a new random identifier.
func (UUIDProvider) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// roomID builds a room identifier in the `!opaque:domain` grammar.
func roomID(opaque, domain string) string {
	return fmt.Sprintf("!%s:%s", opaque, domain)
}

// eventID builds an event identifier in the `$opaque:domain` grammar.
func eventID(opaque, domain string) string {
	return fmt.Sprintf("$%s:%s", opaque, domain)
}

// aliasID builds a room alias in the `#name:domain` grammar.
func aliasID(name, domain string) string {
	return fmt.Sprintf("#%s:%s", name, domain)
}
