// signature.go
package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
)

const signatureHeader = "X-Hub-Signature-256"

// VerifySignature checks a webhook payload against its X-Hub-Signature-256
// header value. The header carries "sha256=<hex>"; the hex digest is the
// HMAC-SHA256 of the exact raw body under the app secret. Any missing or
// malformed input is simply "not verified" - this never panics or errors.
//
// The comparison is constant time. The raw body bytes must be used as
// received: re-serializing the JSON changes the bytes and breaks the hash.
func VerifySignature(body []byte, header string, secret []byte) bool {
	if header == "" {
		return false
	}
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return false
	}
	return hmac.Equal(got, computeSignature(body, secret))
}

func computeSignature(body, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// requireValidSignature is middleware that rejects POST requests whose body
// does not carry a valid signature. GET requests (the verification
// handshake) pass through unsigned. The body is read once here and restored
// so the handler can read it again.
func requireValidSignature(secret []byte, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		LogDebug("📥 Incoming %s request from %s", r.Method, r.RemoteAddr)

		if r.Method == http.MethodPost {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				LogError("Error reading request body: %v", err)
				http.Error(w, "Error reading body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewBuffer(body))

			if !VerifySignature(body, r.Header.Get(signatureHeader), secret) {
				LogError("Invalid webhook signature from %s", r.RemoteAddr)
				http.Error(w, "Invalid signature", http.StatusForbidden)
				return
			}
			LogDebug("✅ Signature verified")
		}
		next(w, r)
	}
}
