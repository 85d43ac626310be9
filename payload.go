package picopad

import (
	"math/rand/v2"

	"github.com/google/uuid"
)

// DefaultMaxPayload bounds the generated dummy body length.
const DefaultMaxPayload = 1024

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// Payload is one dummy body. Data has no meaning to the receiver.
type Payload struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

// NewPayload returns a payload whose Data is a random base36 string of
// length in [0, max).
func NewPayload(rnd *rand.Rand, max int) Payload {
	if max <= 0 {
		max = DefaultMaxPayload
	}
	b := make([]byte, rnd.IntN(max))
	for i := range b {
		b[i] = base36[rnd.IntN(len(base36))]
	}
	return Payload{ID: uuid.NewString(), Data: string(b)}
}
