/*
Package randx generates the identifiers the relay hands out: connection handles and the
node id used to tag bridge envelopes.
*/
package randx

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"

	"github.com/google/uuid"
)

// Base62Chars is the alphabet of node id suffixes (0-9, A-Z, a-z).
const Base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// nodeSuffixLength is the number of random Base62 characters appended to a node id.
const nodeSuffixLength = 6

// ConnectionID returns a fresh UUID v4 string.
func ConnectionID() string {
	return uuid.NewString()
}

// Base62 returns n characters drawn from crypto/rand.
func Base62(n int) (string, error) {
	result := make([]byte, n)
	alphabetLen := big.NewInt(int64(len(Base62Chars)))

	for i := range n {
		num, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("failed to generate random number: %w", err)
		}
		result[i] = Base62Chars[num.Int64()]
	}

	return string(result), nil
}

// NodeID names this process as "<hostname>-<suffix>", so log lines from several nodes stay
// readable. It falls back to a UUID when randomness or the hostname is unavailable.
func NodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}

	suffix, err := Base62(nodeSuffixLength)
	if err != nil {
		return uuid.NewString()
	}

	return host + "-" + suffix
}
