package auth

import (
	"crypto/rand"
	"math/big"
	"time"
)

// OTPTTL is how long a one-time code stays valid.
const OTPTTL = 5 * time.Minute

// GenerateOTP returns a 6-digit one-time code.
func GenerateOTP() (string, error) {
	const digits = "0123456789"
	out := make([]byte, 6)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(digits))))
		if err != nil {
			return "", err
		}
		out[i] = digits[n.Int64()]
	}
	return string(out), nil
}
