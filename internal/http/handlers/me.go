package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"genengine/internal/domain"
	"genengine/internal/middleware"
	"genengine/internal/notify"
)

type ledgerEntryDTO struct {
	ID           string           `json:"id"`
	Kind         domain.EntryKind `json:"kind"`
	Amount       int64            `json:"amount"`
	BalanceAfter int64            `json:"balance_after"`
	Reason       string           `json:"reason,omitempty"`
	JobRef       string           `json:"job_ref,omitempty"`
	At           time.Time        `json:"at"`
}

type limitsDTO struct {
	MonthlyCap      int      `json:"monthly_cap"`
	MaxDuration     int      `json:"max_duration_seconds"`
	AllowedModels   []string `json:"allowed_models"`
	MaxBatch        int      `json:"max_batch"`
	MaxConcurrent   int      `json:"max_concurrent"`
	MinIntervalSecs int      `json:"min_interval_seconds"`
	HourlyLimit     int      `json:"hourly_limit"`
	DailyLimit      int      `json:"daily_limit"`
}

type quotaDTO struct {
	ConcurrencyCurrent int               `json:"concurrency_current"`
	HourlyCount        int               `json:"hourly_count"`
	DailyCount         int               `json:"daily_count"`
	Risk               domain.RiskStatus `json:"risk"`
	RestrictionExpiry  *time.Time        `json:"restriction_expiry,omitempty"`
}

type walletResponse struct {
	UserID             string           `json:"user_id"`
	Email              string           `json:"email,omitempty"`
	Locale             string           `json:"locale,omitempty"`
	WebhookURL         string           `json:"webhook_url,omitempty"`
	Points             int64            `json:"points"`
	Tier               domain.Tier      `json:"tier"`
	SubscriptionExpiry *time.Time       `json:"subscription_expiry,omitempty"`
	Limits             limitsDTO        `json:"limits"`
	Quota              quotaDTO         `json:"quota"`
	Entries            []ledgerEntryDTO `json:"entries"`
}

type contactUpdateRequest struct {
	Locale     *string `json:"locale"`
	WebhookURL *string `json:"webhook_url"`
}

func (a *App) MePoints(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "limit must be a number")
		return
	}
	wallet, err := a.Engine.Wallet(r.Context(), userID, middleware.EmailFromContext(r.Context()), limit)
	if err != nil {
		a.engineError(w, r, err)
		return
	}

	acct := wallet.Account
	resp := walletResponse{
		UserID:             acct.ID,
		Email:              acct.Email,
		Locale:             acct.Locale,
		WebhookURL:         acct.WebhookURL,
		Points:             acct.Points,
		Tier:               wallet.Tier,
		SubscriptionExpiry: acct.SubscriptionExpiry,
		Limits: limitsDTO{
			MonthlyCap:      wallet.Limits.MonthlyCap,
			MaxDuration:     wallet.Limits.MaxDuration,
			AllowedModels:   wallet.Limits.AllowedModels,
			MaxBatch:        wallet.Limits.MaxBatch,
			MaxConcurrent:   wallet.Limits.MaxConcurrent,
			MinIntervalSecs: int(wallet.Limits.MinInterval / time.Second),
			HourlyLimit:     wallet.Limits.HourlyLimit,
			DailyLimit:      wallet.Limits.DailyLimit,
		},
		Quota: quotaDTO{
			ConcurrencyCurrent: wallet.Quota.ConcurrencyCurrent,
			HourlyCount:        wallet.Quota.HourlyCount,
			DailyCount:         wallet.Quota.DailyCount,
			Risk:               wallet.Quota.Risk,
			RestrictionExpiry:  wallet.Quota.RestrictionExpiry,
		},
		Entries: make([]ledgerEntryDTO, 0, len(wallet.Entries)),
	}
	if resp.Quota.Risk == "" {
		resp.Quota.Risk = domain.RiskNormal
	}
	for _, e := range wallet.Entries {
		resp.Entries = append(resp.Entries, ledgerEntryDTO{
			ID:           e.ID,
			Kind:         e.Kind,
			Amount:       e.Amount,
			BalanceAfter: e.BalanceAfter,
			Reason:       e.Reason,
			JobRef:       e.JobRef,
			At:           e.At,
		})
	}
	a.json(w, http.StatusOK, resp)
}

// MeUpdate changes where notifications are delivered. Fields left out of
// the body keep their current value; an empty string clears them.
func (a *App) MeUpdate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req contactUpdateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	email := middleware.EmailFromContext(r.Context())
	wallet, err := a.Engine.Wallet(r.Context(), userID, email, 1)
	if err != nil {
		a.engineError(w, r, err)
		return
	}
	locale := wallet.Account.Locale
	webhook := wallet.Account.WebhookURL
	if req.Locale != nil {
		locale = ""
		if v := strings.TrimSpace(*req.Locale); v != "" {
			locale = notify.Locale(v).String()
		}
	}
	if req.WebhookURL != nil {
		webhook = strings.TrimSpace(*req.WebhookURL)
		if webhook != "" && !validWebhook(webhook) {
			a.error(w, http.StatusBadRequest, "bad_request", "webhook_url must be an absolute http(s) url")
			return
		}
	}

	if err := a.Engine.UpdateContact(r.Context(), userID, email, locale, webhook); err != nil {
		a.engineError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]string{"locale": locale, "webhook_url": webhook})
}

func validWebhook(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "https" || u.Scheme == "http"
}
