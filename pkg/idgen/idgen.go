package idgen

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// MustNewSortableID returns a ULID string. IDs generated in sequence sort
// lexicographically in creation order, which keeps event ids aligned with
// log order.
func MustNewSortableID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		panic(err)
	}
	return id.String()
}
