// oauth/graph.go
// Graph API calls for the connect flow: token exchange, page listing and
// webhook subscription.

package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

type graphError struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		FbtraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Page is one entry from the user's /me/accounts listing.
type Page struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AccessToken string `json:"access_token"`
	Instagram   *struct {
		ID string `json:"id"`
	} `json:"instagram_business_account"`
}

type pagesResponse struct {
	Data []Page `json:"data"`
}

// exchangeCode turns the callback authorization code into a short-lived
// user token.
func (h *Handler) exchangeCode(ctx context.Context, code string) (string, error) {
	endpoint := fmt.Sprintf("%s/oauth/access_token?client_id=%s&redirect_uri=%s&client_secret=%s&code=%s",
		h.config.GraphBaseURL,
		url.QueryEscape(h.config.AppID),
		url.QueryEscape(h.config.RedirectURI),
		url.QueryEscape(h.config.AppSecret),
		url.QueryEscape(code))

	var result tokenResponse
	if err := h.getJSON(ctx, endpoint, &result); err != nil {
		return "", fmt.Errorf("exchanging code: %v", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("code exchange returned no token")
	}
	return result.AccessToken, nil
}

// exchangeLongLived upgrades a short-lived user token to a ~60 day one.
func (h *Handler) exchangeLongLived(ctx context.Context, shortToken string) (string, time.Duration, error) {
	endpoint := fmt.Sprintf("%s/oauth/access_token?grant_type=fb_exchange_token&client_id=%s&client_secret=%s&fb_exchange_token=%s",
		h.config.GraphBaseURL,
		url.QueryEscape(h.config.AppID),
		url.QueryEscape(h.config.AppSecret),
		url.QueryEscape(shortToken))

	var result tokenResponse
	if err := h.getJSON(ctx, endpoint, &result); err != nil {
		return "", 0, fmt.Errorf("exchanging for long-lived token: %v", err)
	}
	if result.AccessToken == "" {
		return "", 0, fmt.Errorf("long-lived exchange returned no token")
	}
	return result.AccessToken, time.Duration(result.ExpiresIn) * time.Second, nil
}

// listPages fetches the pages the user administers, with their page
// tokens and any linked Instagram business account.
func (h *Handler) listPages(ctx context.Context, userToken string) ([]Page, error) {
	endpoint := fmt.Sprintf("%s/me/accounts?fields=id,name,access_token,instagram_business_account&access_token=%s",
		h.config.GraphBaseURL, url.QueryEscape(userToken))

	var result pagesResponse
	if err := h.getJSON(ctx, endpoint, &result); err != nil {
		return nil, fmt.Errorf("listing pages: %v", err)
	}
	return result.Data, nil
}

// subscribePage subscribes the app to the page's messaging webhooks.
// Without this Meta never delivers the page's DMs to us.
func (h *Handler) subscribePage(ctx context.Context, page Page) error {
	endpoint := fmt.Sprintf("%s/%s/subscribed_apps?subscribed_fields=messages,messaging_postbacks&access_token=%s",
		h.config.GraphBaseURL, url.PathEscape(page.ID), url.QueryEscape(page.AccessToken))

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, nil)
	if err != nil {
		return fmt.Errorf("building subscribe request: %v", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("subscribe request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("subscribe returned status %d: %s", resp.StatusCode, graphErrorMessage(body))
	}

	var result struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(body, &result); err != nil || !result.Success {
		return fmt.Errorf("subscribe did not report success: %s", string(body))
	}
	return nil
}

func (h *Handler) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("building request: %v", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, graphErrorMessage(body))
	}
	return json.Unmarshal(body, out)
}

func graphErrorMessage(body []byte) string {
	var ge graphError
	if json.Unmarshal(body, &ge) == nil && ge.Error.Message != "" {
		return fmt.Sprintf("%s (code %d, trace %s)", ge.Error.Message, ge.Error.Code, ge.Error.FbtraceID)
	}
	return string(body)
}
