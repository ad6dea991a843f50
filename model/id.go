package model

import (
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// derivedNamespace scopes name-based ids to this service.
var derivedNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://sbomer.jboss.org/ids"))

// NewID returns a 13 character, uppercase base32 identifier drawn from a
// random UUID. The short form keeps derived executor resource names within
// the 63 character label limit.
func NewID() string {
	u := uuid.New()
	return idEncoding.EncodeToString(u[:8])
}

// DerivedID returns an identifier in the NewID format that is stable for the
// given parts.
func DerivedID(parts ...string) string {
	u := uuid.NewSHA1(derivedNamespace, []byte(strings.Join(parts, "\x00")))
	return idEncoding.EncodeToString(u[:8])
}
