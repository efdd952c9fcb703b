package affiliate

import (
	"crypto/rand"
	"fmt"
)

// referralCodeCharset avoids 0/O and 1/I so codes survive being read aloud.
const referralCodeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const referralCodeLength = 8

// generateReferralCode returns a random human-shareable code. Uniqueness is
// enforced by the caller against the affiliates table.
func generateReferralCode() (string, error) {
	result := make([]byte, referralCodeLength)
	for i := 0; i < referralCodeLength; i++ {
		idx, err := randInt(len(referralCodeCharset))
		if err != nil {
			return "", err
		}
		result[i] = referralCodeCharset[idx]
	}
	return string(result), nil
}

func randInt(max int) (int, error) {
	if max <= 0 {
		return 0, fmt.Errorf("invalid max %d", max)
	}
	var buff = make([]byte, 1)
	if _, err := rand.Read(buff); err != nil {
		return 0, err
	}
	return int(buff[0]) % max, nil
}
