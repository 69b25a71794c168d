// dispatcher.go
// Outbound delivery through the Graph API send endpoint, with bounded
// retries for transient failures.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// SendOutcome is the terminal result of one dispatch, after retries.
type SendOutcome struct {
	Sent              bool
	ProviderMessageID string
	Attempts          int
	Reason            string // one of the Reason* constants when Sent is false
	Detail            string
}

// RetryPolicy bounds the retry loop for transient provider failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
}

// TokenSource hands out page tokens and retires ones Meta rejects.
// *TokenStore is the production implementation.
type TokenSource interface {
	PageToken(ctx context.Context, businessID int64) (string, error)
	InvalidateToken(ctx context.Context, businessID int64) error
}

// Dispatcher sends replies via the page's me/messages endpoint.
type Dispatcher struct {
	tokens  TokenSource
	client  *http.Client
	baseURL string
	retry   RetryPolicy
}

func NewDispatcher(tokens TokenSource, client *http.Client, baseURL string, retry RetryPolicy) *Dispatcher {
	return &Dispatcher{tokens: tokens, client: client, baseURL: baseURL, retry: retry}
}

type sendRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
	Error       *struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		TraceID   string `json:"fbtrace_id"`
		Transient bool   `json:"is_transient"`
	} `json:"error"`
}

// Send delivers one text message. The token check runs before any network
// attempt: an expired token cannot succeed, and retrying it would only
// delay the failure the business needs to see.
func (d *Dispatcher) Send(ctx context.Context, business *Business, recipientID, text string) SendOutcome {
	token, err := d.tokens.PageToken(ctx, business.ID)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrTokenMissing) {
			return SendOutcome{
				Reason: ReasonTokenInvalid,
				Detail: fmt.Sprintf("no usable page token for %s (%v), reconnect required", business.Name, err),
			}
		}
		return SendOutcome{
			Reason: ReasonProviderTransient,
			Detail: fmt.Sprintf("loading page token: %v", err),
		}
	}

	var payload sendRequest
	payload.Recipient.ID = recipientID
	payload.Message.Text = text
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return SendOutcome{
			Reason: ReasonProviderRejected,
			Detail: fmt.Sprintf("marshaling send payload: %v", err),
		}
	}

	endpoint := fmt.Sprintf("%s/me/messages?access_token=%s", d.baseURL, url.QueryEscape(token))

	var outcome SendOutcome
	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		var retryAfter time.Duration
		outcome, retryAfter = d.attempt(ctx, business.ID, endpoint, jsonData)
		outcome.Attempts = attempt
		if outcome.Sent || outcome.Reason != ReasonProviderTransient {
			return outcome
		}
		if attempt == d.retry.MaxAttempts {
			break
		}

		delay := d.retry.BaseDelay << (attempt - 1)
		if delay > d.retry.MaxDelay {
			delay = d.retry.MaxDelay
		}
		// A Retry-After from the platform overrides the backoff schedule.
		if retryAfter > delay {
			delay = retryAfter
			if delay > d.retry.MaxDelay {
				delay = d.retry.MaxDelay
			}
		}
		LogWarn("Send attempt %d/%d failed (%s), retrying in %v",
			attempt, d.retry.MaxAttempts, outcome.Detail, delay)
		select {
		case <-ctx.Done():
			outcome.Detail = fmt.Sprintf("%s (gave up: %v)", outcome.Detail, ctx.Err())
			return outcome
		case <-time.After(delay):
		}
	}
	return outcome
}

func (d *Dispatcher) attempt(ctx context.Context, businessID int64, endpoint string, jsonData []byte) (SendOutcome, time.Duration) {
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return SendOutcome{Reason: ReasonProviderRejected, Detail: fmt.Sprintf("building request: %v", err)}, 0
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return SendOutcome{Reason: ReasonProviderTransient, Detail: fmt.Sprintf("request failed: %v", err)}, 0
	}
	defer resp.Body.Close()

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return SendOutcome{Reason: ReasonProviderTransient, Detail: fmt.Sprintf("reading response: %v", err)}, retryAfter
	}

	var result sendResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return SendOutcome{
			Reason: ReasonProviderTransient,
			Detail: fmt.Sprintf("status %d with unparseable body", resp.StatusCode),
		}, retryAfter
	}

	if resp.StatusCode == http.StatusOK && result.Error == nil {
		return SendOutcome{Sent: true, ProviderMessageID: result.MessageID}, 0
	}

	detail := fmt.Sprintf("status %d", resp.StatusCode)
	if result.Error != nil {
		detail = fmt.Sprintf("status %d, code %d/%d: %s (trace %s)",
			resp.StatusCode, result.Error.Code, result.Error.Subcode,
			result.Error.Message, result.Error.TraceID)

		// Code 190 is OAuthException: the token died between the expiry
		// check and the send. Drop it so the next send fails fast.
		if result.Error.Code == 190 {
			if err := d.tokens.InvalidateToken(ctx, businessID); err != nil {
				LogWarn("Could not invalidate rejected token: %v", err)
			}
			return SendOutcome{Reason: ReasonTokenInvalid, Detail: detail}, 0
		}
		if result.Error.Transient || result.Error.Code == 1 || result.Error.Code == 2 {
			return SendOutcome{Reason: ReasonProviderTransient, Detail: detail}, retryAfter
		}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return SendOutcome{Reason: ReasonProviderTransient, Detail: detail}, retryAfter
	default:
		return SendOutcome{Reason: ReasonProviderRejected, Detail: detail}, 0
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
