// pipeline.go
package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MIF20009/conversa/ai"
)

// Fallback policies: whether AI failures other than a content rejection
// still get the static fallback text sent to the customer.
const (
	FallbackRejectedOnly = "rejected-only"
	FallbackAlways       = "always"
)

// FallbackText is sent when the AI declines (or, under the "always" policy,
// whenever the AI fails), so an answerable customer is never left with
// nothing.
const FallbackText = "Thank you for your message! I'm currently having trouble processing your request. Please try again in a moment, or contact us directly for immediate assistance."

// MessageStore is the persistence surface the pipeline needs: businesses,
// lazily-created customers, and the append-only message log.
type MessageStore interface {
	BusinessByPageID(ctx context.Context, pageID string) (*Business, error)
	UpsertCustomer(ctx context.Context, businessID int64, platformID string) (customer *Customer, created bool, err error)
	UpdateCustomerName(ctx context.Context, customerID int64, name string) error
	LogInbound(ctx context.Context, businessID, customerID int64, eventID, text string) (int64, error)
	MarkInboundSkipped(ctx context.Context, messageID int64, reason string) error
	LogOutbound(ctx context.Context, businessID, customerID int64, replyTo *int64, text string) (int64, error)
	FinishOutbound(ctx context.Context, messageID int64, status, providerMessageID, errorDetail string) error
	RecentHistory(ctx context.Context, businessID, customerID int64, limit int, window time.Duration) ([]ai.Exchange, error)
}

// Deduplicator records event ids atomically: the first caller for a given
// (business, event id) pair gets true, everyone after gets false.
type Deduplicator interface {
	ShouldProcess(ctx context.Context, businessID int64, eventID string, payload []byte) (bool, error)
}

// Responder produces a reply for an inbound message.
type Responder interface {
	Generate(ctx context.Context, req ai.Request) (string, error)
}

// Sender delivers a reply through the messaging API.
type Sender interface {
	Send(ctx context.Context, business *Business, recipientID, text string) SendOutcome
}

// ProfileSource resolves a platform user id to a display name.
type ProfileSource interface {
	DisplayName(ctx context.Context, business *Business, userID string) (string, error)
}

// Pipeline wires the webhook surface to the stores, the AI responder and
// the outbound dispatcher. Profiles and Limiter may be nil.
type Pipeline struct {
	Store    MessageStore
	Dedup    Deduplicator
	AI       Responder
	Sender   Sender
	Profiles ProfileSource
	Limiter  *SenderLimiter

	VerifyToken    string
	FallbackPolicy string
	HistoryLimit   int
	HistoryWindow  time.Duration
}

// eventJob is one admitted messaging item, ready for background processing.
type eventJob struct {
	business  *Business
	msg       MessagingEntry
	eventID   string
	text      string
	requestID string
}

// admit resolves each messaging item to a business and claims its event id.
// Items from unknown pages, receipts, echoes and unknown subtypes are
// dropped silently; duplicates are dropped with a log line. A storage error
// aborts admission of the remaining items so the provider retries the
// delivery; jobs claimed before the failure are still returned and MUST be
// processed by the caller, because their event ids are already recorded and
// the redelivery will skip them as duplicates.
func (p *Pipeline) admit(ctx context.Context, event WebhookEvent, requestID string) ([]eventJob, error) {
	var jobs []eventJob

	for _, entry := range event.Entry {
		if len(entry.Messaging) == 0 {
			continue
		}

		business, err := p.Store.BusinessByPageID(ctx, entry.ID)
		if errors.Is(err, ErrNotFound) {
			LogWarn("[%s] No business connected for page %s", requestID, entry.ID)
			continue
		}
		if err != nil {
			return jobs, fmt.Errorf("looking up business for page %s: %w", entry.ID, err)
		}

		for _, msg := range entry.Messaging {
			eventID, text, ok := classifyMessagingItem(msg, requestID)
			if !ok {
				continue
			}

			fresh, err := p.Dedup.ShouldProcess(ctx, business.ID, eventID, msg.Raw())
			if err != nil {
				return jobs, fmt.Errorf("dedup check for event %s: %w", eventID, err)
			}
			if !fresh {
				LogInfo("[%s] ♻️ Duplicate event %s for business %d - skipping", requestID, eventID, business.ID)
				continue
			}

			jobs = append(jobs, eventJob{
				business:  business,
				msg:       msg,
				eventID:   eventID,
				text:      text,
				requestID: requestID,
			})
		}
	}

	return jobs, nil
}

// classifyMessagingItem extracts the event id and reply-worthy text from a
// messaging item. Delivery receipts, echoes, empty messages and unknown
// subtypes produce no work (and no MessageLog).
func classifyMessagingItem(msg MessagingEntry, requestID string) (eventID, text string, ok bool) {
	switch {
	case msg.Delivery != nil:
		LogDebug("[%s] Skipping delivery receipt", requestID)
		return "", "", false

	case msg.Message != nil:
		if msg.Message.IsEcho {
			LogDebug("[%s] Skipping echo message %s", requestID, msg.Message.Mid)
			return "", "", false
		}
		if msg.Message.Text == "" {
			LogDebug("[%s] Skipping empty message from %s", requestID, msg.Sender.ID)
			return "", "", false
		}
		eventID = msg.Message.Mid
		if eventID == "" {
			eventID = fmt.Sprintf("msg-%s-%d", msg.Sender.ID, msg.Timestamp)
		}
		return eventID, msg.Message.Text, true

	case msg.Postback != nil:
		text = msg.Postback.Title
		if text == "" {
			text = msg.Postback.Payload
		}
		if text == "" {
			return "", "", false
		}
		eventID = msg.Postback.Mid
		if eventID == "" {
			eventID = fmt.Sprintf("postback-%s-%d", msg.Sender.ID, msg.Timestamp)
		}
		return eventID, text, true

	default:
		LogDebug("[%s] Skipping unknown messaging subtype from %s", requestID, msg.Sender.ID)
		return "", "", false
	}
}

// process runs the pipeline for one admitted event: persist inbound,
// generate a reply, dispatch it, persist the outcome. The context is
// detached from the HTTP request - the event id is already claimed, so this
// work must finish even when the caller is gone.
func (p *Pipeline) process(ctx context.Context, job eventJob) {
	ctx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()

	requestID := job.requestID
	business := job.business
	senderID := job.msg.Sender.ID

	LogInfo("[%s] 📥 Message: %s -> %s %q", requestID, senderID, business.PageID, job.text)

	customer, created, err := p.Store.UpsertCustomer(ctx, business.ID, senderID)
	if err != nil {
		LogError("[%s] Failed to upsert customer %s: %v", requestID, senderID, err)
		return
	}

	inboundID, err := p.Store.LogInbound(ctx, business.ID, customer.ID, job.eventID, job.text)
	if err != nil {
		LogError("[%s] Failed to persist inbound message: %v", requestID, err)
		return
	}

	if p.Profiles != nil && created {
		go p.refreshCustomerName(business, customer, requestID)
	}

	if !business.AIEnabled {
		LogInfo("[%s] 🔕 Auto-reply disabled for %s - inbound stored only", requestID, business.Name)
		p.skipInbound(ctx, inboundID, "auto-reply disabled", requestID)
		return
	}

	if created && !business.AllowUnknown {
		LogInfo("[%s] 🚪 First contact from %s and unknown senders are off - skipping reply", requestID, senderID)
		p.skipInbound(ctx, inboundID, "auto-reply to unknown senders disabled", requestID)
		return
	}

	if p.Limiter != nil && !p.Limiter.Allow(business.ID, senderID) {
		LogWarn("[%s] Sender %s over rate limit - skipping reply", requestID, senderID)
		p.skipInbound(ctx, inboundID, "sender rate limited", requestID)
		return
	}

	history, err := p.Store.RecentHistory(ctx, business.ID, customer.ID, p.HistoryLimit, p.HistoryWindow)
	if err != nil {
		LogWarn("[%s] Could not load conversation history: %v", requestID, err)
		history = nil
	}

	start := time.Now()
	reply, err := p.AI.Generate(ctx, ai.Request{
		BusinessName: business.Name,
		Context:      business.AIContext,
		History:      history,
		Message:      job.text,
	})
	if err != nil {
		kind := ai.KindOf(err)
		LogWarn("[%s] AI reply failed (%s): %v", requestID, kind, err)

		if !p.shouldFallback(kind) {
			// No retry on the webhook path: record the failure and stop.
			p.recordFailedReply(ctx, business, customer, inboundID, kind, err, requestID)
			return
		}
		LogInfo("[%s] 💬 Substituting static fallback reply", requestID)
		reply = FallbackText
	} else {
		LogInfo("[%s] 🤖 AI reply ready in %dms", requestID, time.Since(start).Milliseconds())
	}

	outboundID, err := p.Store.LogOutbound(ctx, business.ID, customer.ID, &inboundID, reply)
	if err != nil {
		LogError("[%s] Failed to persist outbound message: %v", requestID, err)
		return
	}

	outcome := p.Sender.Send(ctx, business, senderID, reply)
	if outcome.Sent {
		LogInfo("[%s] ✅ Reply delivered (mid=%s, attempts=%d)", requestID, outcome.ProviderMessageID, outcome.Attempts)
		if err := p.Store.FinishOutbound(ctx, outboundID, StatusSent, outcome.ProviderMessageID, ""); err != nil {
			LogError("[%s] Failed to mark outbound sent: %v", requestID, err)
		}
		return
	}

	detail := fmt.Sprintf("%s: %s", outcome.Reason, outcome.Detail)
	LogError("[%s] Reply delivery failed after %d attempt(s): %s", requestID, outcome.Attempts, detail)
	if err := p.Store.FinishOutbound(ctx, outboundID, StatusFailed, "", detail); err != nil {
		LogError("[%s] Failed to mark outbound failed: %v", requestID, err)
	}
}

// shouldFallback reports whether a failed AI call still produces a reply.
// A content rejection always falls back; other failure kinds only under the
// "always" policy.
func (p *Pipeline) shouldFallback(kind ai.Kind) bool {
	if kind == ai.ContentRejected {
		return true
	}
	return p.FallbackPolicy == FallbackAlways
}

func (p *Pipeline) skipInbound(ctx context.Context, inboundID int64, reason, requestID string) {
	if err := p.Store.MarkInboundSkipped(ctx, inboundID, reason); err != nil {
		LogError("[%s] Failed to mark inbound skipped: %v", requestID, err)
	}
}

// recordFailedReply writes a failed outbound row for an AI failure that is
// not being retried on this path. A background requeue is an external
// collaborator's job; the row's error detail is what it picks up.
func (p *Pipeline) recordFailedReply(ctx context.Context, business *Business, customer *Customer, inboundID int64, kind ai.Kind, cause error, requestID string) {
	outboundID, err := p.Store.LogOutbound(ctx, business.ID, customer.ID, &inboundID, "")
	if err != nil {
		LogError("[%s] Failed to persist failed-reply record: %v", requestID, err)
		return
	}
	detail := fmt.Sprintf("%s: %s: %v", ReasonAIFailed, kind, cause)
	if err := p.Store.FinishOutbound(ctx, outboundID, StatusFailed, "", detail); err != nil {
		LogError("[%s] Failed to mark reply failed: %v", requestID, err)
	}
}

// refreshCustomerName fetches the sender's display name off the hot path.
func (p *Pipeline) refreshCustomerName(business *Business, customer *Customer, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	name, err := p.Profiles.DisplayName(ctx, business, customer.PlatformID)
	if err != nil {
		LogDebug("[%s] Could not resolve name for %s: %v", requestID, customer.PlatformID, err)
		return
	}
	if err := p.Store.UpdateCustomerName(ctx, customer.ID, name); err != nil {
		LogDebug("[%s] Could not store name for %s: %v", requestID, customer.PlatformID, err)
	}
}
