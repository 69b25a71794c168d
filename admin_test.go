// admin_test.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore additions for the operator API surface.

func (s *fakeStore) BusinessByID(ctx context.Context, id int64) (*Business, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.businesses {
		if b.ID == id {
			return b, nil
		}
	}
	return nil, ErrNotFound
}

func (s *fakeStore) DisconnectBusiness(ctx context.Context, businessID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pageID, b := range s.businesses {
		if b.ID == businessID {
			delete(s.businesses, pageID)
			return nil
		}
	}
	return ErrNotFound
}

const testJWTSecret = "test-admin-secret"

func adminToken(t *testing.T, secret string, businessID int64) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, adminClaims{
		BusinessID: businessID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func testAdmin(store *fakeStore, sender Sender, tokens TokenSource) *AdminAPI {
	return &AdminAPI{
		Store:     store,
		Sender:    sender,
		Tokens:    tokens,
		JWTSecret: []byte(testJWTSecret),
	}
}

func TestAdminAuth(t *testing.T) {
	store := newFakeStore(testBusiness())
	admin := testAdmin(store, &fakeSender{}, &stubTokens{token: "tok"})

	handler := admin.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "business=%s", r.Header.Get("X-Business-ID"))
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not a bearer token", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"garbage token", "Bearer not.a.jwt", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + adminToken(t, "other-secret", 1), http.StatusUnauthorized},
		{"valid token", "Bearer " + adminToken(t, testJWTSecret, 1), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/send", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "business=1", rec.Body.String())
			}
		})
	}
}

func TestAdminAuthRejectsExpiredToken(t *testing.T) {
	admin := testAdmin(newFakeStore(), &fakeSender{}, &stubTokens{})
	handler := admin.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler ran with an expired token")
	})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, adminClaims{
		BusinessID: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/send", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminSend(t *testing.T) {
	store := newFakeStore(testBusiness())
	sender := &fakeSender{outcome: SendOutcome{Sent: true, ProviderMessageID: "m_manual", Attempts: 1}}
	admin := testAdmin(store, sender, &stubTokens{token: "tok"})
	handler := admin.RequireAuth(admin.HandleSend)

	body := `{"recipient_id":"user-9","text":"A human will reach out shortly."}`
	req := httptest.NewRequest("POST", "/api/send", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+adminToken(t, testJWTSecret, 1))
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result struct {
		ProviderMessageID string `json:"provider_message_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "m_manual", result.ProviderMessageID)

	outbound := store.logsByDirection(DirectionOutbound)
	require.Len(t, outbound, 1)
	assert.Equal(t, StatusSent, outbound[0].Status)
	assert.Equal(t, "A human will reach out shortly.", outbound[0].Text)
	assert.Nil(t, outbound[0].ReplyTo, "manual sends reply to nothing")

	sent := sender.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "user-9", sent[0].recipientID)
}

func TestAdminSendValidation(t *testing.T) {
	admin := testAdmin(newFakeStore(testBusiness()), &fakeSender{}, &stubTokens{})
	handler := admin.RequireAuth(admin.HandleSend)

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ``},
		{"missing recipient", `{"text":"hello"}`},
		{"blank text", `{"recipient_id":"user-9","text":"   "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/send", strings.NewReader(tt.body))
			req.Header.Set("Authorization", "Bearer "+adminToken(t, testJWTSecret, 1))
			rec := httptest.NewRecorder()
			handler(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestAdminSendDeliveryFailure(t *testing.T) {
	store := newFakeStore(testBusiness())
	sender := &fakeSender{outcome: SendOutcome{Reason: ReasonProviderTransient, Detail: "status 502", Attempts: 3}}
	admin := testAdmin(store, sender, &stubTokens{})
	handler := admin.RequireAuth(admin.HandleSend)

	req := httptest.NewRequest("POST", "/api/send",
		strings.NewReader(`{"recipient_id":"user-9","text":"hello"}`))
	req.Header.Set("Authorization", "Bearer "+adminToken(t, testJWTSecret, 1))
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	outbound := store.logsByDirection(DirectionOutbound)
	require.Len(t, outbound, 1)
	assert.Equal(t, StatusFailed, outbound[0].Status)
	assert.Contains(t, outbound[0].ErrorDetail, ReasonProviderTransient)
}

func TestAdminDisconnect(t *testing.T) {
	store := newFakeStore(testBusiness())
	tokens := &stubTokens{token: "tok"}
	admin := testAdmin(store, &fakeSender{}, tokens)
	handler := admin.RequireAuth(admin.HandleDisconnect)

	req := httptest.NewRequest("POST", "/api/disconnect", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, testJWTSecret, 1))
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, tokens.invalidated)

	// Webhook traffic for the page no longer resolves.
	_, err := store.BusinessByPageID(context.Background(), "page-123")
	assert.ErrorIs(t, err, ErrNotFound)
}
