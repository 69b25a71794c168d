// profile.go
// Display-name lookup for senders, cached so a chatty customer does not
// trigger a Graph call per message.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
)

const profileCacheTTL = 24 * time.Hour

// ProfileCache fetches user profiles from the Graph API, with an optional
// Redis cache in front.
type ProfileCache struct {
	cache   *redis.Client
	client  *http.Client
	baseURL string
	tokens  *TokenStore
}

func NewProfileCache(cache *redis.Client, client *http.Client, baseURL string, tokens *TokenStore) *ProfileCache {
	return &ProfileCache{cache: cache, client: client, baseURL: baseURL, tokens: tokens}
}

type graphProfile struct {
	Name      string `json:"name"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// DisplayName resolves a platform user ID to something humans recognize.
func (p *ProfileCache) DisplayName(ctx context.Context, business *Business, userID string) (string, error) {
	key := fmt.Sprintf("profile:%s", userID)
	if p.cache != nil {
		if name, err := p.cache.Get(ctx, key).Result(); err == nil && name != "" {
			return name, nil
		}
	}

	token, err := p.tokens.PageToken(ctx, business.ID)
	if err != nil {
		return "", fmt.Errorf("no usable token for profile lookup: %v", err)
	}

	endpoint := fmt.Sprintf("%s/%s?fields=name,first_name,last_name,username&access_token=%s",
		p.baseURL, url.PathEscape(userID), url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("building profile request: %v", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("profile request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading profile response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("profile lookup returned status %d", resp.StatusCode)
	}

	var profile graphProfile
	if err := json.Unmarshal(body, &profile); err != nil {
		return "", fmt.Errorf("parsing profile response: %v", err)
	}

	name := profile.Name
	if name == "" && (profile.FirstName != "" || profile.LastName != "") {
		name = profile.FirstName
		if profile.LastName != "" {
			if name != "" {
				name += " "
			}
			name += profile.LastName
		}
	}
	if name == "" {
		name = profile.Username
	}
	if name == "" {
		return "", fmt.Errorf("profile for %s has no name fields", userID)
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, key, name, profileCacheTTL).Err(); err != nil {
			LogDebug("Profile cache write failed for %s: %v", userID, err)
		}
	}
	return name, nil
}
