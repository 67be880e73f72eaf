package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/membergate/membergate/pkg/billing"
	"github.com/membergate/membergate/pkg/lifecycle"
	"github.com/membergate/membergate/pkg/shortlink"
)

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

// server bundles the HTTP surface around the engine and the billing provider.
type server struct {
	engine   *lifecycle.Engine
	provider billing.Provider
	links    *shortlink.Service
	cfg      *Config
	log      zerolog.Logger
}

func (s *server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Method(http.MethodPost, "/webhook/stripe", s.provider.WebhookHandler())

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/success", s.handleSuccess)
	r.Get("/cancel", s.handleCancel)
	r.Get("/r/{code}", s.handleShortlink)

	if s.cfg.AdminToken != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdminToken)
			r.Post("/sweep", s.handleAdminSweep)
			r.Post("/checkout", s.handleAdminCheckout)
			r.Post("/invite/{userID}", s.handleAdminInvite)
			r.Get("/status/{userID}", s.handleAdminStatus)
			r.Post("/cancel/{subscriptionID}", s.handleAdminCancel)
		})
	}

	return r
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleSuccess(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(`<!doctype html><title>Payment received</title>
<h1>Payment received</h1>
<p>Thank you! Your channel invite is on its way to you in a private message.</p>`))
}

func (s *server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(`<!doctype html><title>Checkout cancelled</title>
<h1>Checkout cancelled</h1>
<p>No payment was made. You can restart the checkout any time.</p>`))
}

func (s *server) handleShortlink(w http.ResponseWriter, r *http.Request) {
	if s.links == nil {
		http.NotFound(w, r)
		return
	}
	code := chi.URLParam(r, "code")
	target, err := s.links.Resolve(r.Context(), code)
	if errors.Is(err, shortlink.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("code", code).Msg("short link resolution failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		want := "Bearer " + s.cfg.AdminToken
		if subtle.ConstantTimeCompare([]byte(auth), []byte(want)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleAdminSweep triggers a reconciliation pass outside the schedule,
// for operators reacting to an incident.
func (s *server) handleAdminSweep(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Sweep(r.Context(), time.Now().UTC()); err != nil {
		s.log.Error().Err(err).Msg("manual sweep failed")
		http.Error(w, "sweep failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "swept"})
}

type checkoutRequest struct {
	UserID  string `json:"user_id"`
	PriceID string `json:"price_id"`
}

// handleAdminCheckout creates a hosted checkout session for a user and
// returns a shortened URL suitable for pasting into a chat message.
func (s *server) handleAdminCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.PriceID == "" {
		http.Error(w, "user_id and price_id are required", http.StatusBadRequest)
		return
	}

	successURL := s.cfg.PublicBaseURL + "/success"
	cancelURL := s.cfg.PublicBaseURL + "/cancel"
	url, err := s.provider.CheckoutURL(r.Context(), req.UserID, req.PriceID, successURL, cancelURL)
	if err != nil {
		if errors.Is(err, billing.ErrPlanNotConfigured) {
			http.Error(w, "unknown price", http.StatusBadRequest)
			return
		}
		s.log.Error().Err(err).Str("user_id", req.UserID).Msg("checkout session creation failed")
		http.Error(w, "checkout failed", http.StatusInternalServerError)
		return
	}

	if s.links != nil {
		if short, err := s.links.Shorten(r.Context(), url); err == nil {
			url = short
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *server) handleAdminInvite(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	err := s.engine.ResendInvite(r.Context(), userID)
	if errors.Is(err, lifecycle.ErrPeriodNotFound) {
		http.Error(w, "no active subscription", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("invite resend failed")
		http.Error(w, "invite failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "invited"})
}

func (s *server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	p, err := s.engine.Status(r.Context(), userID)
	if errors.Is(err, lifecycle.ErrPeriodNotFound) {
		http.Error(w, "no active subscription", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("status lookup failed")
		http.Error(w, "status lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"period_id": strconv.FormatInt(p.ID, 10),
		"status":    string(p.Status),
		"ends_at":   p.End,
	})
}

func (s *server) handleAdminCancel(w http.ResponseWriter, r *http.Request) {
	subscriptionID := chi.URLParam(r, "subscriptionID")
	if err := s.provider.CancelSubscription(r.Context(), subscriptionID); err != nil {
		s.log.Error().Err(err).Str("subscription_id", subscriptionID).Msg("subscription cancel failed")
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	// The entitlement change arrives via the subscription.deleted webhook.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}
