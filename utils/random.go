package utils

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strings"
	"time"
)

func GenerateCode(n int) (string, error) {
	// Make a slice of nBytes random bytes.
	byt := make([]byte, n)

	// Read into the slice.
	if _, err := rand.Read(byt); err != nil {
		return "", err
	}

	// Return the hexadecimal string.
	return strings.ToUpper(hex.EncodeToString(byt)), nil
}

// BookingCode is the 8 character reference printed on tickets.
func BookingCode() (string, error) {
	return GenerateCode(4)
}

// Backoff returns the wait before retry attempt n (starting at 1): base
// doubled per attempt, capped at max, with up to 20% random jitter.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if d <= 0 {
		return 0
	}
	jitter, err := rand.Int(rand.Reader, big.NewInt(int64(d)/5+1))
	if err != nil {
		return d
	}
	return d + time.Duration(jitter.Int64())
}
