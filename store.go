// store.go
// Postgres persistence for businesses, customers and message logs.

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MIF20009/conversa/ai"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ConversationStore is the sql.DB-backed MessageStore used in production.
type ConversationStore struct {
	db *sql.DB
}

func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// BusinessByPageID resolves the business owning an Instagram page ID.
// Only connected businesses are eligible to receive webhook traffic.
func (s *ConversationStore) BusinessByPageID(ctx context.Context, pageID string) (*Business, error) {
	var b Business
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, instagram_page_id, ai_enabled,
		       COALESCE(ai_context, ''), allow_auto_reply_from_unknown
		FROM businesses
		WHERE instagram_page_id = $1 AND status = 'connected'`,
		pageID,
	).Scan(&b.ID, &b.Name, &b.PageID, &b.AIEnabled, &b.AIContext, &b.AllowUnknown)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying business for page %s: %v", pageID, err)
	}
	return &b, nil
}

// BusinessByID loads a business by primary key. Used by the admin API
// and the OAuth callback, which address businesses directly.
func (s *ConversationStore) BusinessByID(ctx context.Context, id int64) (*Business, error) {
	var b Business
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(instagram_page_id, ''), ai_enabled,
		       COALESCE(ai_context, ''), allow_auto_reply_from_unknown
		FROM businesses
		WHERE id = $1`,
		id,
	).Scan(&b.ID, &b.Name, &b.PageID, &b.AIEnabled, &b.AIContext, &b.AllowUnknown)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying business %d: %v", id, err)
	}
	return &b, nil
}

// UpsertCustomer finds or creates the customer row for a platform sender
// ID. Reports whether the row was created, so callers know this is a
// first-contact sender.
func (s *ConversationStore) UpsertCustomer(ctx context.Context, businessID int64, platformID string) (*Customer, bool, error) {
	var c Customer
	created := false

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO customers (business_id, platform, platform_id, created_at)
		VALUES ($1, 'instagram', $2, NOW())
		ON CONFLICT (business_id, platform, platform_id) DO NOTHING
		RETURNING id, business_id, platform_id, COALESCE(name, ''), created_at`,
		businessID, platformID,
	).Scan(&c.ID, &c.BusinessID, &c.PlatformID, &c.Name, &c.CreatedAt)
	if err == nil {
		created = true
		return &c, created, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("inserting customer %s: %v", platformID, err)
	}

	// Conflict path: the row already existed, fetch it.
	err = s.db.QueryRowContext(ctx, `
		SELECT id, business_id, platform_id, COALESCE(name, ''), created_at
		FROM customers
		WHERE business_id = $1 AND platform = 'instagram' AND platform_id = $2`,
		businessID, platformID,
	).Scan(&c.ID, &c.BusinessID, &c.PlatformID, &c.Name, &c.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("fetching customer %s: %v", platformID, err)
	}
	return &c, created, nil
}

// UpdateCustomerName stores a display name fetched from the Graph API.
func (s *ConversationStore) UpdateCustomerName(ctx context.Context, customerID int64, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE customers SET name = $1 WHERE id = $2`, name, customerID)
	if err != nil {
		return fmt.Errorf("updating customer %d name: %v", customerID, err)
	}
	return nil
}

// LogInbound records a received customer message and returns its row ID.
func (s *ConversationStore) LogInbound(ctx context.Context, businessID, customerID int64, eventID, text string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO message_logs
			(business_id, customer_id, direction, event_id, content, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id`,
		businessID, customerID, DirectionInbound, eventID, text, StatusReceived,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("logging inbound message: %v", err)
	}
	return id, nil
}

// MarkInboundSkipped annotates an inbound row that will get no reply.
func (s *ConversationStore) MarkInboundSkipped(ctx context.Context, messageID int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_logs SET status = $1, error_message = $2 WHERE id = $3`,
		StatusSkipped, reason, messageID)
	if err != nil {
		return fmt.Errorf("marking message %d skipped: %v", messageID, err)
	}
	return nil
}

// LogOutbound creates a pending outbound row before dispatch is attempted.
func (s *ConversationStore) LogOutbound(ctx context.Context, businessID, customerID int64, replyTo *int64, text string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO message_logs
			(business_id, customer_id, direction, reply_to, content, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id`,
		businessID, customerID, DirectionOutbound, replyTo, text, StatusPending,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("logging outbound message: %v", err)
	}
	return id, nil
}

// FinishOutbound resolves a pending outbound row to its terminal status.
func (s *ConversationStore) FinishOutbound(ctx context.Context, messageID int64, status, providerMessageID, errorDetail string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_logs
		SET status = $1,
		    provider_message_id = NULLIF($2, ''),
		    error_message = NULLIF($3, ''),
		    sent_at = CASE WHEN $1 = 'sent' THEN NOW() ELSE sent_at END
		WHERE id = $4`,
		status, providerMessageID, errorDetail, messageID)
	if err != nil {
		return fmt.Errorf("finishing outbound message %d: %v", messageID, err)
	}
	return nil
}

// RecentHistory returns the customer's last few inbound messages paired
// with the replies they got, oldest first, limited to a recency window.
// This is the conversational context fed to the AI.
func (s *ConversationStore) RecentHistory(ctx context.Context, businessID, customerID int64, limit int, window time.Duration) ([]ai.Exchange, error) {
	cutoff := time.Now().Add(-window)
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.content, COALESCE(r.content, '')
		FROM message_logs m
		LEFT JOIN message_logs r
			ON r.reply_to = m.id AND r.status = 'sent'
		WHERE m.business_id = $1 AND m.customer_id = $2
		  AND m.direction = 'inbound' AND m.created_at >= $3
		ORDER BY m.created_at DESC
		LIMIT $4`,
		businessID, customerID, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history for customer %d: %v", customerID, err)
	}
	defer rows.Close()

	var history []ai.Exchange
	for rows.Next() {
		var ex ai.Exchange
		if err := rows.Scan(&ex.UserText, &ex.ReplyText); err != nil {
			return nil, fmt.Errorf("scanning history row: %v", err)
		}
		history = append(history, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading history rows: %v", err)
	}

	// Newest-first from the query, oldest-first for the prompt.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

// ConnectBusiness records a completed OAuth connection: the page the
// business picked and the long-lived token guarding it.
func (s *ConversationStore) ConnectBusiness(ctx context.Context, businessID int64, pageID, pageName string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE businesses
		SET instagram_page_id = $1, page_name = $2, status = 'connected'
		WHERE id = $3`,
		pageID, pageName, businessID)
	if err != nil {
		return fmt.Errorf("connecting business %d: %v", businessID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DisconnectBusiness clears the page binding. Webhook traffic for the
// page stops resolving to this business immediately.
func (s *ConversationStore) DisconnectBusiness(ctx context.Context, businessID int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE businesses
		SET status = 'disconnected'
		WHERE id = $1`,
		businessID)
	if err != nil {
		return fmt.Errorf("disconnecting business %d: %v", businessID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
