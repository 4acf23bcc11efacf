package checkout

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// GenerateOrderID returns a short human-readable order label of the form
// <prefix>-<year>-<4 digits>. It is a display convenience only: the 4-digit
// suffix has a real collision probability, so durable references must use
// the gateway's own session or payment identifier.
func GenerateOrderID(prefix string) string {
	return fmt.Sprintf("%s-%d-%04d", prefix, time.Now().Year(), 1000+rand.IntN(9000))
}
