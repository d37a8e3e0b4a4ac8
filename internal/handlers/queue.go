// internal/handlers/queue.go
package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/trustmatch/internal/auth"
	"github.com/jason-s-yu/trustmatch/internal/matchmaking"
	"github.com/jason-s-yu/trustmatch/internal/middleware"
	"github.com/jason-s-yu/trustmatch/internal/pool"
	"github.com/jason-s-yu/trustmatch/internal/trust"
	"github.com/sirupsen/logrus"
)

// QueueServer serves the matchmaking queue API.
type QueueServer struct {
	Manager *matchmaking.Manager
	Engine  *trust.Engine
	Pool    *pool.Cache
	Broker  *matchmaking.Broker
	Auth    *auth.Authority
	Logger  logrus.FieldLogger

	// OriginPatterns is passed to websocket.Accept; nil allows same-origin only.
	OriginPatterns []string
}

// Routes builds the API mux. limiter throttles enqueue calls per player.
func (s *QueueServer) Routes(limiter *middleware.PlayerRateLimiter) http.Handler {
	authed := middleware.Authenticate(s.Auth, s.Logger)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /player/register", s.RegisterHandler)
	mux.Handle("GET /player/score", authed(http.HandlerFunc(s.ScoreHandler)))

	enqueue := http.Handler(http.HandlerFunc(s.EnqueueHandler))
	if limiter != nil {
		enqueue = limiter.Middleware(enqueue)
	}
	mux.Handle("POST /queue/enqueue", authed(enqueue))
	mux.Handle("POST /queue/cancel", authed(http.HandlerFunc(s.CancelHandler)))
	mux.Handle("GET /queue/status", authed(http.HandlerFunc(s.StatusHandler)))
	mux.Handle("GET /queue/ws", authed(http.HandlerFunc(s.QueueWSHandler)))

	mux.HandleFunc("GET /pool/stats", s.PoolStatsHandler)
	return mux
}

// RegisterHandler gives a caller a behavior record and, if they arrived without a valid
// token, a guest identity in the auth_token cookie.
//
// Request payload (optional): { "skill_level": 3 }
func (s *QueueServer) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SkillLevel int `json:"skill_level"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.SkillLevel < 0 {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	status := http.StatusOK
	playerID := uuid.Nil
	if token := middleware.TokenFromRequest(r); token != "" {
		if id, err := s.Auth.AuthenticateJWT(token); err == nil {
			playerID = id
		}
	}
	if playerID == uuid.Nil {
		playerID = uuid.New()
		token, err := s.Auth.CreateJWT(playerID)
		if err != nil {
			s.Logger.WithError(err).Error("failed to create guest token")
			http.Error(w, "failed to create token", http.StatusInternalServerError)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     middleware.AuthCookie,
			Value:    token,
			HttpOnly: true,
			Path:     "/",
			SameSite: http.SameSiteLaxMode,
		})
		status = http.StatusCreated
	}

	rec, err := s.Engine.Register(r.Context(), playerID, req.SkillLevel)
	if err != nil {
		s.Logger.WithError(err).WithField("player_id", playerID).Error("register player")
		writeError(w, err)
		return
	}
	writeJSON(w, status, rec)
}

// ScoreHandler returns the caller's behavior record.
func (s *QueueServer) ScoreHandler(w http.ResponseWriter, r *http.Request) {
	playerID, _ := middleware.PlayerFromContext(r.Context())
	rec, err := s.Engine.Lookup(r.Context(), playerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// enqueueRequest carries per-request overrides; durations are in seconds and zero
// means "use the server default".
type enqueueRequest struct {
	GameMode        string  `json:"game_mode"`
	MaxWaitSeconds  float64 `json:"max_wait_seconds"`
	InitialTimeout  float64 `json:"initial_timeout_seconds"`
	MaxTimeout      float64 `json:"max_timeout_seconds"`
	RetryMultiplier float64 `json:"retry_multiplier"`
	MaxRetries      int     `json:"max_retries"`
	Tolerance       float64 `json:"tolerance"`
	SkillTolerance  int     `json:"skill_tolerance"`
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// EnqueueHandler starts a search for the caller and returns its first status.
func (s *QueueServer) EnqueueHandler(w http.ResponseWriter, r *http.Request) {
	playerID, _ := middleware.PlayerFromContext(r.Context())

	var req enqueueRequest
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	prefs := matchmaking.Preferences{
		GameMode:        req.GameMode,
		InitialTimeout:  seconds(req.InitialTimeout),
		MaxTimeout:      seconds(req.MaxTimeout),
		RetryMultiplier: req.RetryMultiplier,
		MaxRetries:      req.MaxRetries,
		Tolerance:       req.Tolerance,
		SkillTolerance:  req.SkillTolerance,
	}

	h, err := s.Manager.Enqueue(r.Context(), playerID, seconds(req.MaxWaitSeconds), prefs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.Status())
}

// CancelHandler ends the caller's search. Cancelling twice is not an error.
func (s *QueueServer) CancelHandler(w http.ResponseWriter, r *http.Request) {
	playerID, _ := middleware.PlayerFromContext(r.Context())
	cancelled := s.Manager.Cancel(playerID)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// StatusHandler reports the caller's latest session.
func (s *QueueServer) StatusHandler(w http.ResponseWriter, r *http.Request) {
	playerID, _ := middleware.PlayerFromContext(r.Context())
	st, err := s.Manager.GetStatus(playerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// PoolStatsHandler exposes cache counters and the number of searching sessions.
func (s *QueueServer) PoolStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		pool.Stats
		Searching int `json:"searching"`
	}{
		Stats:     s.Pool.Stats(),
		Searching: s.Manager.Searching(),
	})
}
