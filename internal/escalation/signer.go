package escalation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const (
	SignatureHeader = "X-Signature-256"
	AttemptHeader   = "X-Delivery-Attempt"
	WebhookIDHeader = "X-Webhook-Id"
	AlertIDHeader   = "X-Alert-Id"

	signaturePrefix = "sha256="
)

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is what a receiving agency runs against the header.
func VerifySignature(secret, header string, body []byte) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return errors.New("missing " + SignatureHeader)
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return errors.New("invalid " + SignatureHeader + " format")
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return errors.New("invalid " + SignatureHeader + " digest")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errors.New("signature mismatch")
	}
	return nil
}
