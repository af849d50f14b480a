package session

import (
	"encoding/base64"

	"github.com/google/uuid"
)

// newID returns a random, URL-safe 128-bit session id. A v4 UUID's 16
// random bytes, base64url-encoded without padding, are exactly the "random
// 128-bit value rendered in a url-safe form.
func newID() string {
	id := uuid.New()
	b := id[:]
	return base64.RawURLEncoding.EncodeToString(b)
}
