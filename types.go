// types.go
package main

import (
	"encoding/json"
	"time"
)

// WebhookEvent represents the incoming webhook payload from the Instagram
// Graph API. The same envelope shape is used for Messenger ("page") events,
// but this gateway only subscribes to the "instagram" object.
type WebhookEvent struct {
	Object string      `json:"object"`
	Entry  []EntryData `json:"entry"`
}

// EntryData is one entry in the webhook event, scoped to a single page.
type EntryData struct {
	ID        string           `json:"id"`
	Time      int64            `json:"time"`
	Messaging []MessagingEntry `json:"messaging"`
}

// MessagingEntry is a single messaging item inside an entry. Exactly one of
// Message, Postback or Delivery is set depending on the event subtype.
type MessagingEntry struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64         `json:"timestamp"`
	Message   *MessageData  `json:"message"`
	Postback  *PostbackData `json:"postback"`
	Delivery  *DeliveryData `json:"delivery"`

	raw json.RawMessage
}

func (m *MessagingEntry) UnmarshalJSON(data []byte) error {
	type messagingEntry MessagingEntry
	var decoded messagingEntry
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*m = MessagingEntry(decoded)
	m.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Raw returns the messaging item byte-for-byte as delivered, including any
// fields the struct does not model. This is what the dedup ledger retains
// for audit. Items constructed in code rather than decoded re-encode.
func (m MessagingEntry) Raw() []byte {
	if len(m.raw) > 0 {
		return m.raw
	}
	encoded, _ := json.Marshal(m)
	return encoded
}

// MessageData is the text message content.
type MessageData struct {
	Mid    string `json:"mid"`
	Text   string `json:"text"`
	IsEcho bool   `json:"is_echo"`
}

// PostbackData is a button/quick-reply postback.
type PostbackData struct {
	Mid     string `json:"mid"`
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// DeliveryData is a delivery receipt. Receipts are acknowledged and dropped.
type DeliveryData struct {
	Mids      []string `json:"mids"`
	Watermark int64    `json:"watermark"`
}

// Business is a connected tenant: one Instagram business account with its
// page credentials and auto-reply settings.
type Business struct {
	ID           int64
	Name         string
	PageID       string // Instagram page / business account id
	AIEnabled    bool
	AIContext    string // extra system-prompt context configured by the owner
	AllowUnknown bool   // reply to senders we have never seen before
}

// Customer is a remote Instagram user, scoped to one business.
// (BusinessID, PlatformID) is unique; rows are created lazily on first
// inbound message.
type Customer struct {
	ID         int64
	BusinessID int64
	PlatformID string // Instagram user id
	Name       string
	CreatedAt  time.Time
}

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Delivery statuses for message_logs rows. Inbound rows start at "received"
// and move to "skipped" when the pipeline decides not to reply. Outbound
// rows start at "pending" and end at "sent" or "failed"; terminal rows are
// never mutated again.
const (
	StatusReceived = "received"
	StatusPending  = "pending"
	StatusSent     = "sent"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
)

// Failure reasons recorded on non-sent outbound rows.
const (
	ReasonTokenInvalid      = "TokenInvalid"
	ReasonProviderTransient = "ProviderTransient"
	ReasonProviderRejected  = "ProviderRejected"
	ReasonAIFailed          = "AIFailed"
)

// MessageLog is one inbound or outbound message. Outbound rows carry a
// causal link (ReplyTo) back to the inbound row that triggered them, except
// for admin test sends.
type MessageLog struct {
	ID                int64
	BusinessID        int64
	CustomerID        int64
	EventID           string // external event id for inbound rows
	Direction         string
	Text              string
	Status            string
	ProviderMessageID string
	ErrorDetail       string
	ReplyTo           *int64
	CreatedAt         time.Time
}

// Config holds everything read from the environment at startup.
type Config struct {
	DatabaseURL string
	Port        string

	// Webhook verification
	AppSecret   string // Instagram app secret, signs webhook payloads
	VerifyToken string // handshake verify token

	// External endpoints. Overridable so tests and staging can point the
	// gateway at a fake Graph or AI endpoint.
	GraphBaseURL string
	AIBaseURL    string

	// AI provider
	AIKey   string
	AIModel string

	// Redis is optional; when REDIS_ADDR is empty the gateway runs with
	// in-memory caching and Postgres-only dedup.
	RedisAddr     string
	RedisUsername string
	RedisPassword string

	// Policy knobs
	DedupTTL          time.Duration
	TokenExpiryMargin time.Duration
	HistoryLimit      int
	HistoryWindow     time.Duration
	FallbackPolicy    string // "rejected-only" or "always"
	SenderRatePerMin  int
	SenderBurst       int

	// Admin API
	AdminJWTSecret string

	// OAuth app credentials
	FacebookAppID     string
	FacebookAppSecret string
	OAuthRedirectURI  string
}
