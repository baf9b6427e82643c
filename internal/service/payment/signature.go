package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var errInvalidSignature = errors.New("invalid signature")

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCallback checks signatureHeader against the HMAC of the exact raw
// body. The header is decoded to raw bytes first so the comparison always
// runs over two fixed-length digests.
func VerifyCallback(rawBody []byte, signatureHeader, secret string) error {
	if secret == "" || len(rawBody) == 0 {
		return errInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimSpace(signatureHeader))
	if err != nil || len(got) != sha256.Size {
		return errInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	if !hmac.Equal(mac.Sum(nil), got) {
		return errInvalidSignature
	}
	return nil
}

// clientReturnPayload is what the checkout widget signs on return.
func clientReturnPayload(orderID, paymentID string) []byte {
	return []byte(orderID + "|" + paymentID)
}
