package registry

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// codeMin and codeMax bound the inclusive range of valid meeting codes:
// six-digit decimal values from 100000 to 999999.
const (
	codeMin = 100000
	codeMax = 999999

	// maxCodeAttempts bounds rejection sampling against the set of live
	// codes, per spec.md §4.2.
	maxCodeAttempts = 64
)

// generateCode draws a uniformly random six-digit code using crypto/rand
// rather than math/rand, matching the teacher's preference for crypto/rand
// on anything identifying a live resource.
func generateCode() (string, error) {
	span := big.NewInt(codeMax - codeMin + 1)
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return "", fmt.Errorf("registry: generate code: %w", err)
	}
	return fmt.Sprintf("%06d", codeMin+n.Int64()), nil
}
