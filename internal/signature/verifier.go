package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	ErrSecretNotConfigured = errors.New("signature secret not configured")
	ErrMissingSignature    = errors.New("missing signature")
	ErrInvalidSignature    = errors.New("invalid signature")
)

// Sign returns the lowercase hex HMAC-SHA256 of payload keyed with secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether providedSignature is the hex HMAC-SHA256 of the
// exact payload bytes. Malformed input yields false.
func Verify(payload []byte, providedSignature, secret string) bool {
	if secret == "" || providedSignature == "" {
		return false
	}
	provided, err := hex.DecodeString(providedSignature)
	if err != nil || len(provided) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(provided, mac.Sum(nil))
}

// PaymentPayload is the byte string the gateway signs for checkout results.
func PaymentPayload(gatewayOrderID, gatewayPaymentID string) []byte {
	return []byte(gatewayOrderID + "|" + gatewayPaymentID)
}

type Verifier struct {
	keySecret     string
	webhookSecret string
	skip          bool
}

// NewVerifier builds a verifier. skip disables webhook signature checks and
// is only accepted by config outside the production profile. Checkout
// signatures are always verified.
func NewVerifier(keySecret, webhookSecret string, skip bool) *Verifier {
	return &Verifier{
		keySecret:     keySecret,
		webhookSecret: webhookSecret,
		skip:          skip,
	}
}

// VerifyPayment checks a checkout signature over "{orderId}|{paymentId}".
// A nil error means the signature matched.
func (v *Verifier) VerifyPayment(gatewayOrderID, gatewayPaymentID, sig string) error {
	return check(PaymentPayload(gatewayOrderID, gatewayPaymentID), sig, v.keySecret)
}

// VerifyWebhook checks the signature header against the raw request body.
// The body must not be re-serialised before this call.
func (v *Verifier) VerifyWebhook(rawBody []byte, sig string) error {
	if v.skip {
		return nil
	}
	return check(rawBody, sig, v.webhookSecret)
}

func (v *Verifier) Skipping() bool {
	return v.skip
}

func check(payload []byte, sig, secret string) error {
	if secret == "" {
		return ErrSecretNotConfigured
	}
	if sig == "" {
		return ErrMissingSignature
	}
	if !Verify(payload, sig, secret) {
		return ErrInvalidSignature
	}
	return nil
}
