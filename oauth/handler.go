// oauth/handler.go
// Connect flow: the dashboard sends the business owner through Meta's
// OAuth dialog, Meta redirects back here with a code, and we end up with
// a subscribed page and a stored long-lived page token.

package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

type Config struct {
	AppID        string
	AppSecret    string
	RedirectURI  string
	GraphBaseURL string
}

// BusinessStore is the slice of the persistence layer the flow needs.
type BusinessStore interface {
	ConnectBusiness(ctx context.Context, businessID int64, pageID, pageName string) error
}

// TokenSaver stores the exchanged long-lived page token.
type TokenSaver interface {
	SaveToken(ctx context.Context, businessID int64, token string, expiresIn time.Duration) error
}

type Handler struct {
	config Config
	store  BusinessStore
	tokens TokenSaver
	client *http.Client
}

func NewHandler(config Config, store BusinessStore, tokens TokenSaver, client *http.Client) *Handler {
	return &Handler{config: config, store: store, tokens: tokens, client: client}
}

// HandleCallback finishes the connect flow. The state parameter carries
// the business ID the dashboard started the flow for.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		LogInfo("User declined the OAuth dialog: %s (%s)",
			errParam, r.URL.Query().Get("error_description"))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "authorization declined"})
		return
	}

	code := r.URL.Query().Get("code")
	businessID, parseErr := strconv.ParseInt(r.URL.Query().Get("state"), 10, 64)
	if code == "" || parseErr != nil || businessID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing code or state"})
		return
	}

	LogInfo("Starting connect flow for business %d", businessID)
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	shortToken, err := h.exchangeCode(ctx, code)
	if err != nil {
		LogError("Code exchange failed for business %d: %v", businessID, err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "token exchange failed"})
		return
	}

	longToken, _, err := h.exchangeLongLived(ctx, shortToken)
	if err != nil {
		LogError("Long-lived exchange failed for business %d: %v", businessID, err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "token exchange failed"})
		return
	}

	pages, err := h.listPages(ctx, longToken)
	if err != nil {
		LogError("Page listing failed for business %d: %v", businessID, err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "could not list pages"})
		return
	}
	page, ok := pickPage(pages)
	if !ok {
		LogInfo("Business %d has no page with an Instagram business account", businessID)
		writeJSON(w, http.StatusUnprocessableEntity,
			map[string]string{"error": "no Instagram-linked page found on this account"})
		return
	}
	LogDebug("Business %d picked page %s (%s)", businessID, page.Name, page.ID)

	if err := h.subscribePage(ctx, page); err != nil {
		LogError("Webhook subscription failed for page %s: %v", page.ID, err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "webhook subscription failed"})
		return
	}

	// Page tokens derived from a long-lived user token do not expire on
	// their own, but we keep a conservative 60 day horizon so a stale
	// token gets flagged instead of silently failing sends.
	if err := h.tokens.SaveToken(ctx, businessID, page.AccessToken, 60*24*time.Hour); err != nil {
		LogError("Saving token for business %d: %v", businessID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not store token"})
		return
	}

	pageID := page.ID
	if page.Instagram != nil {
		pageID = page.Instagram.ID
	}
	if err := h.store.ConnectBusiness(ctx, businessID, pageID, page.Name); err != nil {
		LogError("Connecting business %d: %v", businessID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not connect business"})
		return
	}

	LogInfo("✅ Business %d connected to page %s", businessID, page.Name)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "connected",
		"page_id":   pageID,
		"page_name": page.Name,
	})
}

// pickPage prefers a page with a linked Instagram business account and
// falls back to the first page when none is linked.
func pickPage(pages []Page) (Page, bool) {
	for _, p := range pages {
		if p.Instagram != nil && p.Instagram.ID != "" {
			return p, true
		}
	}
	if len(pages) > 0 {
		return pages[0], true
	}
	return Page{}, false
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
