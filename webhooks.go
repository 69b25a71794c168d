// webhooks.go
package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
)

// ServeWebhook is the entry point for all webhook traffic from Instagram.
//
// GET requests are the verification handshake Meta performs when the
/// webhook URL is registered: the challenge parameter is echoed back when the
// verify token matches. POST requests carry message events; they are admitted
// (business lookup + dedup) on the request path and then processed
// asynchronously, so Meta always gets a fast acknowledgment. A slow or
// erroring endpoint is treated as a delivery failure upstream and retried
// aggressively, which is exactly the load the deduplicator guards against.
//
// The signature middleware runs before this handler, so a POST arriving here
// is already authenticated.
func (p *Pipeline) ServeWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		p.handleVerification(w, r)
	case http.MethodPost:
		p.handleDelivery(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerification handles the webhook verification handshake.
func (p *Pipeline) handleVerification(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "" || token == "" || challenge == "" {
		LogWarn("Incomplete webhook verification parameters")
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if mode == "subscribe" && token == p.VerifyToken {
		LogInfo("✅ Webhook verification successful")
		w.Write([]byte(challenge))
		return
	}

	LogWarn("Webhook verification failed (mode=%s)", mode)
	http.Error(w, "Invalid verification token", http.StatusForbidden)
}

// handleDelivery handles an authenticated POST delivery.
//
// Admission (business lookup and the dedup insert) happens synchronously so
// that a storage outage surfaces as HTTP 500 - Meta will redeliver, and the
// dedup guarantee makes that safe. Everything after admission runs detached
// from the request context: once an event id is recorded, its side effects
// must complete even if the client connection drops.
func (p *Pipeline) handleDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Error reading body", http.StatusBadRequest)
		return
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		LogError("Error parsing webhook JSON: %v", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if event.Object != "instagram" && event.Object != "page" {
		LogWarn("Unsupported webhook object: %s", event.Object)
		http.Error(w, "Unsupported webhook object", http.StatusBadRequest)
		return
	}

	requestID := generateRequestID()
	total := 0
	for _, entry := range event.Entry {
		total += len(entry.Messaging)
	}
	LogInfo("[%s] 📝 Webhook: %s, %d entries, %d messaging items",
		requestID, event.Object, len(event.Entry), total)

	jobs, err := p.admit(r.Context(), event, requestID)
	if err != nil {
		LogError("[%s] Admission failed: %v", requestID, err)
		// Items claimed before the failure must still be processed: their
		// event ids are recorded, so the retried delivery will skip them.
		for _, job := range jobs {
			go p.process(context.Background(), job)
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	// Fast acknowledgment; processing continues in the background.
	w.WriteHeader(http.StatusOK)

	for _, job := range jobs {
		go p.process(context.Background(), job)
	}
}
