// ai/responder_test.go
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

// stubProvider fakes the chat completions endpoint.
func stubProvider(t *testing.T, status int, body string, gotReq *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", auth)
		}
		if gotReq != nil {
			if err := json.NewDecoder(r.Body).Decode(gotReq); err != nil {
				t.Errorf("decoding request: %v", err)
			}
		}
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
}

func completionBody(text string) string {
	return fmt.Sprintf(`{"choices":[{"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],"usage":{"total_tokens":42}}`, text)
}

func TestGenerate(t *testing.T) {
	var got chatRequest
	server := stubProvider(t, http.StatusOK, completionBody("  We open at 9am.  "), &got)
	defer server.Close()

	responder := New(Config{APIKey: "test-key", BaseURL: server.URL})

	reply, err := responder.Generate(context.Background(), Request{
		BusinessName: "Flor y Canto",
		Context:      "Bakery in Tijuana. Open 9am-6pm.",
		History: []Exchange{
			{UserText: "hola", ReplyText: "Hi! I'm an AI assistant for Flor y Canto."},
		},
		Message: "what time do you open?",
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if reply != "We open at 9am." {
		t.Errorf("Generate() = %q, want trimmed reply", reply)
	}

	if got.Model != "gpt-3.5-turbo" {
		t.Errorf("model = %q, want default", got.Model)
	}
	if got.Temperature != 0.1 || got.MaxTokens != 300 {
		t.Errorf("sampling params = (%v, %d), want defaults", got.Temperature, got.MaxTokens)
	}
	// system + 2 history turns + current message
	if len(got.Messages) != 4 {
		t.Fatalf("got %d prompt messages, want 4", len(got.Messages))
	}
	if got.Messages[0].Role != "system" || !strings.Contains(got.Messages[0].Content, "Flor y Canto") {
		t.Errorf("system prompt missing business name: %q", got.Messages[0].Content)
	}
	if !strings.Contains(got.Messages[0].Content, "Open 9am-6pm") {
		t.Errorf("system prompt missing business context: %q", got.Messages[0].Content)
	}
	if got.Messages[3].Role != "user" || got.Messages[3].Content != "what time do you open?" {
		t.Errorf("last message = %+v, want current user message", got.Messages[3])
	}
}

func TestGenerateTruncatesLongMessages(t *testing.T) {
	var got chatRequest
	server := stubProvider(t, http.StatusOK, completionBody("ok"), &got)
	defer server.Close()

	responder := New(Config{APIKey: "test-key", BaseURL: server.URL, MaxMessageLen: 50})

	_, err := responder.Generate(context.Background(), Request{
		BusinessName: "Shop",
		Message:      strings.Repeat("a", 500),
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	last := got.Messages[len(got.Messages)-1]
	if len(last.Content) != 50 {
		t.Errorf("message length = %d, want truncated to 50", len(last.Content))
	}
}

func TestGenerateTruncationKeepsRuneBoundary(t *testing.T) {
	var got chatRequest
	server := stubProvider(t, http.StatusOK, completionBody("ok"), &got)
	defer server.Close()

	// 5 two-byte runes; a 5-byte limit lands mid-rune and must back off.
	responder := New(Config{APIKey: "test-key", BaseURL: server.URL, MaxMessageLen: 5})

	_, err := responder.Generate(context.Background(), Request{
		BusinessName: "Shop",
		Message:      "ééééé",
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	last := got.Messages[len(got.Messages)-1]
	if !utf8.ValidString(last.Content) {
		t.Errorf("truncated message is not valid UTF-8: %q", last.Content)
	}
	if last.Content != "éé" {
		t.Errorf("truncated message = %q, want %q", last.Content, "éé")
	}
}

func TestGenerateExplicitZeroTemperature(t *testing.T) {
	var got chatRequest
	server := stubProvider(t, http.StatusOK, completionBody("ok"), &got)
	defer server.Close()

	responder := New(Config{APIKey: "test-key", BaseURL: server.URL, Temperature: new(float64)})

	_, err := responder.Generate(context.Background(), Request{BusinessName: "Shop", Message: "hi"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got.Temperature != 0 {
		t.Errorf("temperature = %v, want explicit zero to be honored", got.Temperature)
	}
}

func TestGenerateHistoryWindow(t *testing.T) {
	var got chatRequest
	server := stubProvider(t, http.StatusOK, completionBody("ok"), &got)
	defer server.Close()

	responder := New(Config{APIKey: "test-key", BaseURL: server.URL, MaxHistory: 2})

	history := []Exchange{
		{UserText: "one", ReplyText: "r1"},
		{UserText: "two", ReplyText: "r2"},
		{UserText: "three", ReplyText: "r3"},
	}
	_, err := responder.Generate(context.Background(), Request{
		BusinessName: "Shop",
		History:      history,
		Message:      "current",
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	// system + 2 kept exchanges (2 msgs each) + current
	if len(got.Messages) != 6 {
		t.Fatalf("got %d prompt messages, want 6", len(got.Messages))
	}
	if got.Messages[1].Content != "two" {
		t.Errorf("oldest kept exchange = %q, want the last MaxHistory entries", got.Messages[1].Content)
	}
}

func TestGenerateFailureKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Kind
	}{
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"message":"Rate limit reached","type":"rate_limit_error"}}`,
			want:   RateLimited,
		},
		{
			name:   "provider down",
			status: http.StatusInternalServerError,
			body:   `{"error":{"message":"The server had an error"}}`,
			want:   ProviderUnavailable,
		},
		{
			name:   "bad gateway",
			status: http.StatusBadGateway,
			body:   `upstream unavailable`,
			want:   ProviderUnavailable,
		},
		{
			name:   "content filtered",
			status: http.StatusOK,
			body:   `{"choices":[{"message":{"content":""},"finish_reason":"content_filter"}]}`,
			want:   ContentRejected,
		},
		{
			name:   "empty choices",
			status: http.StatusOK,
			body:   `{"choices":[]}`,
			want:   ContentRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := stubProvider(t, tt.status, tt.body, nil)
			defer server.Close()

			responder := New(Config{APIKey: "test-key", BaseURL: server.URL})
			_, err := responder.Generate(context.Background(), Request{
				BusinessName: "Shop",
				Message:      "hello",
			})
			if err == nil {
				t.Fatal("Generate() succeeded, want classified error")
			}
			if kind := KindOf(err); kind != tt.want {
				t.Errorf("KindOf() = %v, want %v (err: %v)", kind, tt.want, err)
			}
		})
	}
}

func TestGenerateTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, completionBody("too late"))
	}))
	defer server.Close()

	responder := New(Config{APIKey: "test-key", BaseURL: server.URL, Timeout: 50 * time.Millisecond})
	_, err := responder.Generate(context.Background(), Request{BusinessName: "Shop", Message: "hi"})
	if err == nil {
		t.Fatal("Generate() succeeded, want timeout")
	}
	if kind := KindOf(err); kind != Timeout {
		t.Errorf("KindOf() = %v, want Timeout (err: %v)", kind, err)
	}
}

func TestGenerateEmptyMessage(t *testing.T) {
	responder := New(Config{APIKey: "test-key", BaseURL: "http://localhost:0"})
	_, err := responder.Generate(context.Background(), Request{BusinessName: "Shop", Message: "   "})
	if err == nil {
		t.Fatal("Generate() succeeded on blank message")
	}
	if kind := KindOf(err); kind != ContentRejected {
		t.Errorf("KindOf() = %v, want ContentRejected", kind)
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if kind := KindOf(errors.New("plain failure")); kind != ProviderUnavailable {
		t.Errorf("KindOf(plain error) = %v, want ProviderUnavailable", kind)
	}
}
