/*
serial.go - Human-legible, globally unique serial codes

PURPOSE:
  Generates the code printed on a ticket: TKT-XXXX-XXXX-XXXX over a
  32-character alphabet with the lookalikes (0/O, 1/I) removed. 60 bits
  of entropy makes collisions negligible at any realistic table size,
  but uniqueness is still enforced by the database constraint, not by
  probability - the issuer regenerates and retries on a collision.
*/
package ticket

import (
	"crypto/rand"
	"fmt"
)

// serialAlphabet has exactly 32 characters so byte-mod indexing is
// unbiased. 0, O, 1, and I are excluded for legibility.
const serialAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const serialGroups = 3
const serialGroupLen = 4

// NewSerial returns a fresh serial code of the form TKT-XXXX-XXXX-XXXX.
func NewSerial() (string, error) {
	raw := make([]byte, serialGroups*serialGroupLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read randomness for serial: %w", err)
	}

	out := make([]byte, 0, 4+serialGroups*(serialGroupLen+1))
	out = append(out, 'T', 'K', 'T')
	for i, b := range raw {
		if i%serialGroupLen == 0 {
			out = append(out, '-')
		}
		out = append(out, serialAlphabet[int(b)%len(serialAlphabet)])
	}
	return string(out), nil
}
