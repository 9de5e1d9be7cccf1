package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Scheme abstracts the signature primitive. The pipeline only ever
// needs "does this signature verify against this message".
type Scheme interface {
	Sign(secret, message []byte) string
	Verify(secret, message []byte, signature string) bool
}

// HMACScheme signs with HMAC-SHA256 and compares in constant time.
type HMACScheme struct{}

func (HMACScheme) Sign(secret, message []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s HMACScheme) Verify(secret, message []byte, signature string) bool {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hmac.Equal(sig, mac.Sum(nil))
}
