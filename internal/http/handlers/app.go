package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"genengine/internal/domain"
	"genengine/internal/engine"
	"genengine/internal/middleware"
)

// Check pings one dependency for the readiness endpoint.
type Check func(ctx context.Context) error

type App struct {
	Engine *engine.Engine
	Logger zerolog.Logger
	Checks map[string]Check
}

func NewApp(eng *engine.Engine, logger zerolog.Logger) *App {
	return &App{
		Engine: eng,
		Logger: logger.With().Str("component", "http").Logger(),
		Checks: map[string]Check{},
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, errorBody{Error: errorDetail{Code: errCode, Message: message}})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

// engineError maps engine and domain errors onto HTTP responses. Rate and
// concurrency rejections become 429 with Retry-After; other policy
// rejections are 403.
func (a *App) engineError(w http.ResponseWriter, r *http.Request, err error) {
	if rej, ok := domain.AsRejection(err); ok {
		switch {
		case rej.Reason == domain.ReasonInvalidRequest:
			a.error(w, http.StatusBadRequest, string(rej.Reason), rej.Detail)
		case rej.Reason.Throttled():
			secs := int(math.Ceil(rej.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			a.json(w, http.StatusTooManyRequests, errorBody{Error: errorDetail{
				Code:              string(rej.Reason),
				Message:           rej.Error(),
				RetryAfterSeconds: secs,
			}})
		default:
			a.error(w, http.StatusForbidden, string(rej.Reason), rej.Error())
		}
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, domain.ErrInvalidState):
		a.error(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
		a.error(w, http.StatusServiceUnavailable, "canceled", "request canceled")
	default:
		a.Logger.Error().
			Err(err).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Str("user_id", a.currentUserID(r)).
			Str("path", r.URL.Path).
			Msg("request failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return v, nil
}
