package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestVerifyWebhookSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"invoice.paid"}`)
	secret := "whsec_abc"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	sig := hex.EncodeToString(mac.Sum(nil))

	if !VerifyWebhookSignature(payload, sig, secret) {
		t.Fatal("valid signature rejected")
	}
	if !VerifyWebhookSignature(payload, strings.ToUpper(sig), secret) {
		t.Fatal("uppercase hex signature rejected")
	}
	if VerifyWebhookSignature(payload, sig, "whsec_other") {
		t.Fatal("signature accepted with the wrong secret")
	}
	if VerifyWebhookSignature([]byte(`{"id":"evt_2"}`), sig, secret) {
		t.Fatal("signature accepted for a tampered payload")
	}
	if VerifyWebhookSignature(payload, "", secret) {
		t.Fatal("empty signature accepted")
	}
	if VerifyWebhookSignature(payload, sig, "") {
		t.Fatal("empty secret accepted")
	}
	if VerifyWebhookSignature(payload, "zz-not-hex", secret) {
		t.Fatal("non-hex signature accepted")
	}
}
