package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

const signatureBlockSize = 64

// SignPayload computes the lowercase hex HMAC-SHA256 of body keyed by secret.
// Third-party receivers recompute this signature over the raw request body,
// so the construction is written out explicitly: keys longer than one SHA-256
// block are hashed down, shorter keys are zero-padded to the block size, and
// the padded key is XORed with 0x36/0x5c to form the inner and outer pads.
func SignPayload(secret string, body []byte) string {
	key := []byte(secret)
	if len(key) > signatureBlockSize {
		sum := sha256.Sum256(key)
		key = sum[:]
	}

	padded := make([]byte, signatureBlockSize)
	copy(padded, key)

	inner := make([]byte, signatureBlockSize)
	outer := make([]byte, signatureBlockSize)
	for i := range padded {
		inner[i] = padded[i] ^ 0x36
		outer[i] = padded[i] ^ 0x5c
	}

	innerHash := sha256.New()
	innerHash.Write(inner)
	innerHash.Write(body)

	outerHash := sha256.New()
	outerHash.Write(outer)
	outerHash.Write(innerHash.Sum(nil))

	return hex.EncodeToString(outerHash.Sum(nil))
}
