// Package identity holds the local user's routing identity. It is supplied
// by whatever owns account state (UI, config file) — this package only
// validates it.
package identity

import (
	"errors"
	"strings"
)

// Identity is the local user as the signaling layer knows it: an opaque id
// used as a routing address plus a display name shown to the remote party.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var ErrInvalid = errors.New("identity: missing or malformed id")

// Validate checks that the identity can be used as a relay routing address.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.ID) == "" {
		return ErrInvalid
	}
	if strings.ContainsAny(id.ID, " \t\n") {
		return ErrInvalid
	}
	return nil
}
