package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"net/http"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Webhook-Signature"

const maxWebhookBody = 1 << 20

// Sign returns the signature the gateway sends for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookSignature rejects payment webhooks whose body does not match the
// signature header. The body is restored for the next handler.
func WebhookSignature(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				log.Printf("[WEBHOOK] rejecting delivery: webhook secret not configured")
				http.Error(w, "Webhook verification unavailable", http.StatusServiceUnavailable)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
			if err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}

			got := strings.TrimPrefix(r.Header.Get(SignatureHeader), "sha256=")
			want := Sign(secret, body)
			if got == "" || !hmac.Equal([]byte(got), []byte(want)) {
				http.Error(w, "Invalid signature", http.StatusUnauthorized)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
