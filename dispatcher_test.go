// dispatcher_test.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTokens struct {
	token       string
	err         error
	invalidated int64
}

func (s *stubTokens) PageToken(ctx context.Context, businessID int64) (string, error) {
	return s.token, s.err
}

func (s *stubTokens) InvalidateToken(ctx context.Context, businessID int64) error {
	atomic.AddInt64(&s.invalidated, 1)
	return nil
}

// fastRetry keeps the retry loop shape but strips the waiting.
func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func graphStub(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *int64) {
	t.Helper()
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		if r.URL.Path != "/me/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		handler(w, r)
	}))
	return server, &calls
}

func TestDispatcherSend(t *testing.T) {
	server, calls := graphStub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "page-token", r.URL.Query().Get("access_token"))

		var payload sendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "user-9", payload.Recipient.ID)
		assert.Equal(t, "We open at 9am.", payload.Message.Text)

		fmt.Fprint(w, `{"recipient_id":"user-9","message_id":"m_graph_1"}`)
	})
	defer server.Close()

	d := NewDispatcher(&stubTokens{token: "page-token"}, server.Client(), server.URL, fastRetry())
	outcome := d.Send(context.Background(), testBusiness(), "user-9", "We open at 9am.")

	require.True(t, outcome.Sent)
	assert.Equal(t, "m_graph_1", outcome.ProviderMessageID)
	assert.Equal(t, 1, outcome.Attempts)
	assert.EqualValues(t, 1, *calls)
}

func TestDispatcherExpiredTokenSkipsNetwork(t *testing.T) {
	server, calls := graphStub(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request may reach the API with an expired token")
	})
	defer server.Close()

	d := NewDispatcher(&stubTokens{err: ErrTokenExpired}, server.Client(), server.URL, fastRetry())
	outcome := d.Send(context.Background(), testBusiness(), "user-9", "hello")

	require.False(t, outcome.Sent)
	assert.Equal(t, ReasonTokenInvalid, outcome.Reason)
	assert.EqualValues(t, 0, *calls)
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	var n int64
	server, calls := graphStub(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&n, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, `{"error":{"message":"temporarily unavailable","is_transient":true}}`)
			return
		}
		fmt.Fprint(w, `{"message_id":"m_after_retry"}`)
	})
	defer server.Close()

	d := NewDispatcher(&stubTokens{token: "page-token"}, server.Client(), server.URL, fastRetry())
	outcome := d.Send(context.Background(), testBusiness(), "user-9", "hello")

	require.True(t, outcome.Sent)
	assert.Equal(t, "m_after_retry", outcome.ProviderMessageID)
	assert.Equal(t, 3, outcome.Attempts)
	assert.EqualValues(t, 3, *calls)
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	server, calls := graphStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"server melted","code":2}}`)
	})
	defer server.Close()

	d := NewDispatcher(&stubTokens{token: "page-token"}, server.Client(), server.URL, fastRetry())
	outcome := d.Send(context.Background(), testBusiness(), "user-9", "hello")

	require.False(t, outcome.Sent)
	assert.Equal(t, ReasonProviderTransient, outcome.Reason)
	assert.Equal(t, 3, outcome.Attempts)
	assert.EqualValues(t, 3, *calls)
	assert.Contains(t, outcome.Detail, "server melted")
}

func TestDispatcherPermanentRejectionNotRetried(t *testing.T) {
	server, calls := graphStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"Invalid user id","type":"OAuthException","code":100}}`)
	})
	defer server.Close()

	d := NewDispatcher(&stubTokens{token: "page-token"}, server.Client(), server.URL, fastRetry())
	outcome := d.Send(context.Background(), testBusiness(), "user-9", "hello")

	require.False(t, outcome.Sent)
	assert.Equal(t, ReasonProviderRejected, outcome.Reason)
	assert.Equal(t, 1, outcome.Attempts, "permanent rejections must not be retried")
	assert.EqualValues(t, 1, *calls)
}

func TestDispatcherRejectedTokenInvalidated(t *testing.T) {
	server, calls := graphStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Error validating access token","type":"OAuthException","code":190}}`)
	})
	defer server.Close()

	tokens := &stubTokens{token: "page-token"}
	d := NewDispatcher(tokens, server.Client(), server.URL, fastRetry())
	outcome := d.Send(context.Background(), testBusiness(), "user-9", "hello")

	require.False(t, outcome.Sent)
	assert.Equal(t, ReasonTokenInvalid, outcome.Reason)
	assert.Equal(t, 1, outcome.Attempts)
	assert.EqualValues(t, 1, *calls)
	assert.EqualValues(t, 1, atomic.LoadInt64(&tokens.invalidated),
		"a token Meta rejects must be dropped")
}
