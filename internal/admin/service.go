// Package admin serves the operator HTTP API: key status, manual resume and
// release, the key event feed and prometheus metrics.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/orderedsub/orderedsub/internal/auth"
	"github.com/orderedsub/orderedsub/internal/sequencer"
	"github.com/orderedsub/orderedsub/internal/websocket"
)

// KeyController is the part of the dispatch engine operators act on
type KeyController interface {
	Resume(key string) error
	Release(key string) error
	Status(key string) (sequencer.KeyStatus, error)
	Snapshot() []sequencer.KeyStatus
	Buffered() int64
}

// Service provides admin operations
type Service struct {
	keys   KeyController
	tokens *auth.TokenManager
	hub    *websocket.Hub
	config *Config
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewService creates a new admin service. hub may be nil to disable the
// key event feed.
func NewService(config *Config, keys KeyController, tokens *auth.TokenManager, hub *websocket.Hub, logger logrus.FieldLogger) *Service {
	if config == nil {
		config = &Config{}
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.ServiceName == "" {
		config.ServiceName = "orderedsub"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		keys:   keys,
		tokens: tokens,
		hub:    hub,
		config: config,
		logger: logger.WithField("component", "admin"),
		now:    time.Now,
	}
}

// RegisterRoutes registers admin API routes
func (s *Service) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", s.health).Methods("GET")
	router.Handle(s.config.MetricsPath, promhttp.Handler()).Methods("GET")

	read := router.PathPrefix("/api/v1/keys").Subrouter()
	read.Use(s.requireRole(auth.RoleViewer, auth.RoleOperator))
	read.HandleFunc("", s.listKeys).Methods("GET")
	read.HandleFunc("/{key}", s.getKey).Methods("GET")

	write := router.PathPrefix("/api/v1/keys").Subrouter()
	write.Use(s.requireRole(auth.RoleOperator))
	write.HandleFunc("/{key}/resume", s.resumeKey).Methods("POST")
	write.HandleFunc("/{key}/release", s.releaseKey).Methods("POST")

	if s.hub != nil {
		router.Handle("/ws/keys", websocket.NewHandler(s.hub, s.tokens, s.checkOrigin))
	}
}

// Handler returns the router wrapped with CORS and tracing
func (s *Service) Handler() http.Handler {
	// keys may contain slashes, sent as %2F
	router := mux.NewRouter().UseEncodedPath()
	s.RegisterRoutes(router)

	c := cors.New(cors.Options{
		AllowedOrigins: s.config.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	})

	return otelhttp.NewHandler(c.Handler(router), s.config.ServiceName+".admin",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != s.config.MetricsPath
		}),
	)
}

func (s *Service) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Service) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Service:   s.config.ServiceName,
		Keys:      len(s.keys.Snapshot()),
		Timestamp: s.now().UTC(),
	})
}

func (s *Service) listKeys(w http.ResponseWriter, r *http.Request) {
	onlyPaused := r.URL.Query().Get("paused") == "true"

	all := s.keys.Snapshot()
	resp := KeyListResponse{Keys: make([]sequencer.KeyStatus, 0, len(all)), Buffered: s.keys.Buffered()}
	for _, st := range all {
		if st.Paused {
			resp.Paused++
		}
		if onlyPaused && !st.Paused {
			continue
		}
		resp.Keys = append(resp.Keys, st)
	}
	resp.Total = len(resp.Keys)

	respondJSON(w, http.StatusOK, resp)
}

func (s *Service) getKey(w http.ResponseWriter, r *http.Request) {
	key := keyVar(r)

	st, err := s.keys.Status(key)
	if err != nil {
		s.respondKeyError(w, key, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Service) resumeKey(w http.ResponseWriter, r *http.Request) {
	s.keyAction(w, r, "resume", s.keys.Resume)
}

func (s *Service) releaseKey(w http.ResponseWriter, r *http.Request) {
	s.keyAction(w, r, "release", s.keys.Release)
}

func (s *Service) keyAction(w http.ResponseWriter, r *http.Request, action string, fn func(string) error) {
	key := keyVar(r)
	operator := ""
	if c := claimsFrom(r.Context()); c != nil {
		operator = c.Operator
	}

	if err := fn(key); err != nil {
		s.respondKeyError(w, key, err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"key":      key,
		"action":   action,
		"operator": operator,
	}).Info("Operator action applied")

	resp := KeyActionResponse{Key: key, Action: action, Operator: operator, At: s.now().UTC()}
	if st, err := s.keys.Status(key); err == nil {
		resp.Status = st
	} else {
		// evicted by the sweeper in the meantime
		resp.Status = sequencer.KeyStatus{Key: key}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Service) respondKeyError(w http.ResponseWriter, key string, err error) {
	if errors.Is(err, sequencer.ErrUnknownKey) {
		respondError(w, http.StatusNotFound, "Key not found")
		return
	}
	s.logger.WithError(err).WithField("key", key).Error("Key operation failed")
	respondError(w, http.StatusInternalServerError, "Key operation failed")
}

func keyVar(r *http.Request) string {
	raw := mux.Vars(r)["key"]
	if key, err := url.PathUnescape(raw); err == nil {
		return key
	}
	return raw
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
