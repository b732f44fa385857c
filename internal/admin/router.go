// Package admin serves the engine's operator HTTP surface: health,
// Prometheus metrics, state sizes, per-user state, daily counters and manual
// bans.
package admin

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/whisper/anonchat/internal/ban"
	"github.com/whisper/anonchat/internal/engine"
	"github.com/whisper/anonchat/internal/metrics"
)

// Engine is the read side of engine.Engine plus the kick used after a
// manual ban.
type Engine interface {
	Snapshot() engine.Snapshot
	User(userID string) engine.UserState
	AutoBanned(userID string, d time.Duration)
}

type Bans interface {
	IsBanned(ctx context.Context, userID string) (ban.Status, error)
	Ban(ctx context.Context, userID string, d time.Duration, reason string) error
	Unban(ctx context.Context, userID string) error
}

type Stats interface {
	Daily(ctx context.Context, t time.Time) (map[string]int64, error)
}

// Dependencies for NewRouter. Bans and Stats are optional; their routes
// are not mounted when nil.
type Dependencies struct {
	Engine Engine
	Bans   Bans
	Stats  Stats
	Shard  int
}

// NewRouter builds the admin router.
func NewRouter(deps Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	h := &handler{deps: deps}

	r.Get("/health", h.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/debug", func(r chi.Router) {
		r.Get("/state", h.state)
		r.Get("/users/{userID}", h.user)
	})

	if deps.Stats != nil {
		r.Get("/stats/daily", h.daily)
	}
	if deps.Bans != nil {
		r.Put("/bans/{userID}", h.ban)
		r.Delete("/bans/{userID}", h.unban)
	}
	return r
}

type handler struct {
	deps Dependencies
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "shard": h.deps.Shard})
}

func (h *handler) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Engine.Snapshot())
}

type userResponse struct {
	engine.UserState
	Banned       bool   `json:"banned"`
	BanRemaining string `json:"ban_remaining,omitempty"`
	BanReason    string `json:"ban_reason,omitempty"`
}

func (h *handler) user(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	resp := userResponse{UserState: h.deps.Engine.User(userID)}

	if h.deps.Bans != nil {
		st, err := h.deps.Bans.IsBanned(r.Context(), userID)
		if err != nil {
			log.Printf("[admin] ban lookup for %s: %v", userID, err)
			writeError(w, http.StatusBadGateway, "ban lookup failed")
			return
		}
		resp.Banned = st.Banned
		if st.Banned {
			resp.BanRemaining = st.Remaining.Round(time.Second).String()
			resp.BanReason = st.Reason
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// daily serves the counters of ?date=YYYY-MM-DD, today (UTC) by default.
func (h *handler) daily(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC()
	if v := r.URL.Query().Get("date"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = t
	}
	counters, err := h.deps.Stats.Daily(r.Context(), day)
	if err != nil {
		log.Printf("[admin] daily stats: %v", err)
		writeError(w, http.StatusBadGateway, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"date":     day.Format("2006-01-02"),
		"counters": counters,
	})
}

type banRequest struct {
	Duration string `json:"duration"`
	Reason   string `json:"reason"`
}

// ban issues a manual ban and removes the user from the queue and their
// chat if they are on this shard.
func (h *handler) ban(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req banRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil || d <= 0 {
		writeError(w, http.StatusBadRequest, "duration must be a positive Go duration")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	if err := h.deps.Bans.Ban(r.Context(), userID, d, req.Reason); err != nil {
		log.Printf("[admin] ban %s: %v", userID, err)
		writeError(w, http.StatusBadGateway, "ban failed")
		return
	}
	metrics.BansTotal.WithLabelValues("manual").Inc()
	h.deps.Engine.AutoBanned(userID, d)
	log.Printf("[admin] %s banned for %s reason=%s", userID, d, req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": "banned", "duration": d.String()})
}

func (h *handler) unban(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := h.deps.Bans.Unban(r.Context(), userID); err != nil {
		log.Printf("[admin] unban %s: %v", userID, err)
		writeError(w, http.StatusBadGateway, "unban failed")
		return
	}
	log.Printf("[admin] %s unbanned", userID)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
