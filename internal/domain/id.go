package domain

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID generates a ULID, used for the stable client identifier and for
// synthesizing correlation ids when the server omits one.
func NewID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
