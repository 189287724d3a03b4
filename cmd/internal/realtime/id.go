package realtime

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDSource generates unique identifiers. It must be safe for concurrent use.
type IDSource func(now time.Time) (string, error)

// NewULID returns a 26-char ULID. It is the default IDSource for connection and envelope ids.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
