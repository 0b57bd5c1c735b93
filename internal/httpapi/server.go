// Package httpapi implements the Ingestion API of spec.md §6 on top of
// go-chi/chi, the router the rest of the examples pack reaches for,
// following the teacher's cmd/server wiring (middleware stack, JSON error
// body shape) and internal/security/enhanced_security.go's JWT/CORS/
// security-header posture.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/bkc-labs/reward-engine/internal/calculator"
	"github.com/bkc-labs/reward-engine/internal/clock"
	"github.com/bkc-labs/reward-engine/internal/config"
	"github.com/bkc-labs/reward-engine/internal/coordinator"
	"github.com/bkc-labs/reward-engine/internal/errorsx"
	"github.com/bkc-labs/reward-engine/internal/model"
	"github.com/bkc-labs/reward-engine/internal/referral"
	"github.com/bkc-labs/reward-engine/internal/userstore"
)

type Server struct {
	coord      *coordinator.Coordinator
	users      userstore.Store
	referrals  referral.EdgeStore
	tokens     *tokenIssuer
	clock      clock.Clock
	configs    *config.Store
	adminToken string // bcrypt hash; empty disables the admin route entirely

	corsOrigins []string
}

type Config struct {
	Coordinator    *coordinator.Coordinator
	Users          userstore.Store
	Referrals      referral.EdgeStore
	JWTSecret      string
	CORSOrigins    []string
	Clock          clock.Clock
	Configs        *config.Store
	AdminTokenHash string
}

func New(c Config) *Server {
	if c.Clock == nil {
		c.Clock = clock.Real
	}
	return &Server{
		coord:       c.Coordinator,
		users:       c.Users,
		referrals:   c.Referrals,
		tokens:      newTokenIssuer(c.JWTSecret, 24*time.Hour),
		clock:       c.Clock,
		configs:     c.Configs,
		adminToken:  c.AdminTokenHash,
		corsOrigins: c.CORSOrigins,
	}
}

// Router builds the chi mux: request-ID/recoverer/logging middleware, CORS,
// security headers, then the three Ingestion API routes behind JWT auth.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Logger)
	r.Use(securityHeaders)

	origins := s.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/activity", s.handleActivity)
		r.Get("/user/{id}/state", s.handleUserState)
		r.Post("/referral/link", s.handleReferralLink)
	})

	if s.adminToken != "" {
		r.Group(func(r chi.Router) {
			r.Use(s.adminMiddleware)
			r.Post("/admin/config/reload", s.handleAdminConfigReload)
		})
	}

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type activityRequest struct {
	UserID            int64             `json:"user_id"`
	Kind              string            `json:"kind"`
	Platform          string            `json:"platform"`
	ContentRef        string            `json:"content_ref"`
	Engagement        *model.Engagement `json:"engagement,omitempty"`
	ClientFingerprint string            `json:"client_fingerprint"`
}

type activityResponse struct {
	EventID          string  `json:"event_id"`
	Accepted         bool    `json:"accepted"`
	DeltaFIN         int64   `json:"delta_fin"`
	DeltaXP          int64   `json:"delta_xp"`
	DeltaRP          int64   `json:"delta_rp"`
	NewLevel         int     `json:"new_level"`
	NewRPTier        string  `json:"new_rp_tier"`
	HumanProbability float64 `json:"human_probability"`
	Reason           string  `json:"reason,omitempty"`
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	kind := model.ActivityKind(req.Kind)
	if !model.ValidKinds[kind] {
		writeError(w, http.StatusBadRequest, "unknown activity kind")
		return
	}
	platform := model.Platform(req.Platform)
	if !model.ValidPlatforms[platform] {
		writeError(w, http.StatusBadRequest, "unknown platform")
		return
	}

	engagement := model.Engagement{}
	if req.Engagement != nil {
		engagement = *req.Engagement
	}

	event := model.ActivityEvent{
		EventID:      uuid.New().String(),
		UserID:       req.UserID,
		Kind:         kind,
		Platform:     platform,
		QualityScore: 1.0,
		Timestamp:    s.clock.Now(),
		ExternalRef:  req.ContentRef,
		Engagement:   engagement,
	}

	result, err := s.coord.Credit(r.Context(), event)

	// CapExceeded is not a rejection from the caller's point of view: the
	// event was accepted, it simply earned nothing further today.
	var capErr *errorsx.CapExceeded
	if errors.As(err, &capErr) {
		writeJSON(w, http.StatusOK, activityResponse{
			EventID:  event.EventID,
			Accepted: true,
			Reason:   "cap",
		})
		return
	}
	if err != nil {
		writeCreditError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, activityResponse{
		EventID:          result.Record.EventID,
		Accepted:         true,
		DeltaFIN:         result.Record.FINDelta,
		DeltaXP:          result.Record.XPDelta,
		DeltaRP:          result.Record.RPDelta,
		NewLevel:         result.User.Level,
		NewRPTier:        string(result.User.RPTier),
		HumanProbability: result.Record.AppliedMultipliers["human"],
	})
}

type userStateResponse struct {
	UserID            int64   `json:"user_id"`
	FINBalance        int64   `json:"fin_balance"`
	TotalXP           int64   `json:"total_xp"`
	TotalRP           int64   `json:"total_rp"`
	Level             int     `json:"level"`
	XPBand            string  `json:"xp_band"`
	RPTier            string  `json:"rp_tier"`
	State             string  `json:"state"`
	PendingSettlement int64   `json:"pending_settlement"`
	HumanProbability  float64 `json:"human_probability"`
}

func (s *Server) handleUserState(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	caller, ok := callerUserID(r.Context())
	if !ok || caller != id {
		writeError(w, http.StatusForbidden, "cannot read another user's state")
		return
	}

	user, err := s.users.Get(r.Context(), id)
	if err != nil {
		if err == userstore.ErrNotFound {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load user state")
		return
	}

	writeJSON(w, http.StatusOK, userStateResponse{
		UserID:            user.ID,
		FINBalance:        user.FINBalance,
		TotalXP:           user.TotalXP,
		TotalRP:           user.TotalRP,
		Level:             user.Level,
		XPBand:            string(calculator.XPBand(user.Level)),
		RPTier:            string(user.RPTier),
		State:             string(user.State),
		PendingSettlement: user.PendingSettlement,
		HumanProbability:  user.HumanProbability,
	})
}

type referralLinkRequest struct {
	NewUserID int64  `json:"new_user_id"`
	Code      string `json:"code"`
}

func (s *Server) handleReferralLink(w http.ResponseWriter, r *http.Request) {
	var req referralLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !referral.CodePattern.MatchString(req.Code) {
		writeError(w, http.StatusBadRequest, "code does not match the required format")
		return
	}
	referrerID, err := referral.DecodeCode(req.Code)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid referral code")
		return
	}

	if err := referral.Link(r.Context(), s.referrals, referrerID, req.NewUserID, s.clock.Now()); err != nil {
		switch {
		case errors.Is(err, referral.ErrSelfReferral), errors.Is(err, referral.ErrAlreadyLinked):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to link referral")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"linked": true})
}

// handleAdminConfigReload reloads the parameter set from the environment
// and swaps it in atomically, so an operator can push new phase/cap/
// threshold values without restarting the process.
func (s *Server) handleAdminConfigReload(w http.ResponseWriter, r *http.Request) {
	if s.configs == nil {
		writeError(w, http.StatusServiceUnavailable, "config store not wired")
		return
	}
	s.configs.Swap(config.Load())
	writeJSON(w, http.StatusOK, map[string]bool{"reloaded": true})
}
