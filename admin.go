// admin.go
// Operator API: manual sends and page disconnects, behind JWT auth.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AdminStore is the persistence slice the operator API needs.
type AdminStore interface {
	BusinessByID(ctx context.Context, id int64) (*Business, error)
	UpsertCustomer(ctx context.Context, businessID int64, platformID string) (*Customer, bool, error)
	LogOutbound(ctx context.Context, businessID, customerID int64, replyTo *int64, text string) (int64, error)
	FinishOutbound(ctx context.Context, messageID int64, status, providerMessageID, errorDetail string) error
	DisconnectBusiness(ctx context.Context, businessID int64) error
}

// AdminAPI exposes the small operator surface the dashboard calls.
type AdminAPI struct {
	Store     AdminStore
	Sender    Sender
	Tokens    TokenSource
	JWTSecret []byte
}

type adminClaims struct {
	BusinessID int64 `json:"business_id"`
	jwt.RegisteredClaims
}

// RequireAuth validates the Bearer token and stamps the business ID into
// a header for the wrapped handler. Tokens are issued by the dashboard
// backend with the shared secret.
func (a *AdminAPI) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")

		claims := &adminClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return a.JWTSecret, nil
		})
		if err != nil || !token.Valid {
			LogWarn("Rejected admin request: %v", err)
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if claims.BusinessID == 0 {
			writeJSONError(w, http.StatusUnauthorized, "token is missing business_id")
			return
		}

		r.Header.Set("X-Business-ID", fmt.Sprintf("%d", claims.BusinessID))
		next(w, r)
	}
}

type sendPayload struct {
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
}

// HandleSend lets an operator push a manual message to a customer. The
// message is logged like any auto-reply so conversation history stays
// complete.
func (a *AdminAPI) HandleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	businessID := businessIDFromRequest(r)

	var payload sendPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.RecipientID == "" || strings.TrimSpace(payload.Text) == "" {
		writeJSONError(w, http.StatusBadRequest, "recipient_id and text are required")
		return
	}

	business, err := a.Store.BusinessByID(r.Context(), businessID)
	if errors.Is(err, ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "business not found")
		return
	}
	if err != nil {
		LogError("Admin send: loading business %d: %v", businessID, err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	customer, _, err := a.Store.UpsertCustomer(r.Context(), business.ID, payload.RecipientID)
	if err != nil {
		LogError("Admin send: upserting customer: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	outboundID, err := a.Store.LogOutbound(r.Context(), business.ID, customer.ID, nil, payload.Text)
	if err != nil {
		LogError("Admin send: logging outbound: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	outcome := a.Sender.Send(r.Context(), business, payload.RecipientID, payload.Text)
	if !outcome.Sent {
		detail := fmt.Sprintf("%s: %s", outcome.Reason, outcome.Detail)
		if err := a.Store.FinishOutbound(r.Context(), outboundID, StatusFailed, "", detail); err != nil {
			LogError("Admin send: marking outbound failed: %v", err)
		}
		writeJSONError(w, http.StatusBadGateway, detail)
		return
	}
	if err := a.Store.FinishOutbound(r.Context(), outboundID, StatusSent, outcome.ProviderMessageID, ""); err != nil {
		LogError("Admin send: marking outbound sent: %v", err)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message_id":          outboundID,
		"provider_message_id": outcome.ProviderMessageID,
	})
}

// HandleDisconnect unbinds the business's page and drops its token.
func (a *AdminAPI) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	businessID := businessIDFromRequest(r)

	if err := a.Store.DisconnectBusiness(r.Context(), businessID); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "business not found")
			return
		}
		LogError("Disconnecting business %d: %v", businessID, err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := a.Tokens.InvalidateToken(r.Context(), businessID); err != nil {
		LogError("Dropping token for business %d: %v", businessID, err)
	}

	LogInfo("Business %d disconnected", businessID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "disconnected"})
}

func businessIDFromRequest(r *http.Request) int64 {
	var id int64
	fmt.Sscanf(r.Header.Get("X-Business-ID"), "%d", &id)
	return id
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
