// tokens.go
// Page access token storage and expiry handling. Long-lived Graph tokens
// last about 60 days; sends must never go out with a token that is about
// to lapse mid-flight.

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrTokenExpired means the stored page token is past (or inside the
// safety margin of) its expiry and the business must reconnect.
var ErrTokenExpired = errors.New("page token expired")

// ErrTokenMissing means the business has no stored page token at all,
// usually because it never completed the connect flow or was disconnected.
var ErrTokenMissing = errors.New("page token missing")

// TokenStore hands out page access tokens for outbound Graph calls.
type TokenStore struct {
	db     *sql.DB
	margin time.Duration

	// group collapses concurrent lookups for the same business into one
	// database query during webhook bursts.
	group singleflight.Group
}

func NewTokenStore(db *sql.DB, margin time.Duration) *TokenStore {
	return &TokenStore{db: db, margin: margin}
}

type pageToken struct {
	token     string
	expiresAt time.Time
}

// PageToken returns a usable page access token for the business, or
// ErrTokenExpired when the token is inside the expiry margin. Expired
// tokens are never returned: Meta rejects them with error code 190 and
// the send would burn a retry budget for nothing.
func (t *TokenStore) PageToken(ctx context.Context, businessID int64) (string, error) {
	v, err, _ := t.group.Do(fmt.Sprintf("token:%d", businessID), func() (interface{}, error) {
		return t.fetch(ctx, businessID)
	})
	if err != nil {
		return "", err
	}

	pt := v.(pageToken)
	if !pt.expiresAt.IsZero() && time.Until(pt.expiresAt) < t.margin {
		return "", ErrTokenExpired
	}
	return pt.token, nil
}

func (t *TokenStore) fetch(ctx context.Context, businessID int64) (pageToken, error) {
	var pt pageToken
	var expires sql.NullTime
	err := t.db.QueryRowContext(ctx, `
		SELECT page_access_token, page_token_expires_at
		FROM businesses
		WHERE id = $1 AND page_access_token IS NOT NULL`,
		businessID,
	).Scan(&pt.token, &expires)
	if err == sql.ErrNoRows {
		return pageToken{}, ErrTokenMissing
	}
	if err != nil {
		return pageToken{}, fmt.Errorf("querying token for business %d: %v", businessID, err)
	}
	if expires.Valid {
		pt.expiresAt = expires.Time
	}
	return pt, nil
}

// SaveToken stores a freshly exchanged long-lived token. expiresIn of
// zero means Meta did not report an expiry, which happens for some page
// tokens; those are stored without one.
func (t *TokenStore) SaveToken(ctx context.Context, businessID int64, token string, expiresIn time.Duration) error {
	var expiresAt interface{}
	if expiresIn > 0 {
		expiresAt = time.Now().Add(expiresIn)
	}
	_, err := t.db.ExecContext(ctx, `
		UPDATE businesses
		SET page_access_token = $1, page_token_expires_at = $2
		WHERE id = $3`,
		token, expiresAt, businessID)
	if err != nil {
		return fmt.Errorf("saving token for business %d: %v", businessID, err)
	}
	t.group.Forget(fmt.Sprintf("token:%d", businessID))
	return nil
}

// InvalidateToken clears a token Meta has rejected so later sends fail
// fast with ErrTokenExpired instead of hammering the Graph API.
func (t *TokenStore) InvalidateToken(ctx context.Context, businessID int64) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE businesses
		SET page_access_token = NULL, page_token_expires_at = NULL
		WHERE id = $1`,
		businessID)
	if err != nil {
		return fmt.Errorf("invalidating token for business %d: %v", businessID, err)
	}
	t.group.Forget(fmt.Sprintf("token:%d", businessID))
	return nil
}
