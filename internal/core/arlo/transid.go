package arlo

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// NewTransactionID generates a correlation token in the format the Arlo web
// client uses: "web!<hex random>!<unix millis>". The random value plus
// timestamp makes collisions between concurrent commands practically
// impossible; this is a uniqueness measure, not a cryptographic one.
func NewTransactionID() string {
	return fmt.Sprintf("web!%x!%d", rand.Uint32(), time.Now().UnixMilli())
}
