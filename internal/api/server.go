package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trunkdial/internal/auth"
	"trunkdial/internal/config"
	"trunkdial/internal/dialer"
	"trunkdial/internal/gateway"
	"trunkdial/internal/store"
	"trunkdial/internal/wsmon"
)

// Server is the REST API over the dialer
type Server struct {
	config  *config.Config
	store   store.Store
	manager *dialer.Manager
	hub     *wsmon.Hub
	http    *http.Server
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, st store.Store, manager *dialer.Manager, hub *wsmon.Hub) *Server {
	return &Server{
		config:  cfg,
		store:   st,
		manager: manager,
		hub:     hub,
	}
}

// Handler builds the full route tree, public endpoints plus the JWT
// protected API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("/api/v1/login", s.handleLogin)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	if s.hub != nil {
		mux.Handle("/ws", s.hub)
	}

	// Protected routes, wrapped in the JWT middleware
	protectedMux := http.NewServeMux()

	protectedMux.HandleFunc("/api/v1/dial/start", s.handleDialStart)
	protectedMux.HandleFunc("/api/v1/dial/stop", s.handleDialStop)
	protectedMux.HandleFunc("/api/v1/dial/status", s.handleDialStatus)
	protectedMux.HandleFunc("/api/v1/outcome", s.handleOutcome)

	protectedMux.HandleFunc("/api/v1/ports", s.handlePorts)
	protectedMux.HandleFunc("/api/v1/campaigns", s.handleCampaigns)
	protectedMux.HandleFunc("/api/v1/campaigns/contacts", s.handleCampaignContacts)

	protectedMux.HandleFunc("/api/v1/users", s.handleUsers)

	mainHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/v1/") || r.URL.Path == "/api/v1/login" {
			mux.ServeHTTP(w, r)
			return
		}
		auth.Middleware(protectedMux).ServeHTTP(w, r)
	})

	return s.corsMiddleware(mainHandler)
}

// Start runs the HTTP server. Blocks until the listener fails or Stop is
// called.
func (s *Server) Start() error {
	addr := s.config.API.Address()
	log.Printf("[API] Starting server on %s", addr)

	s.http = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	log.Printf("[API] Server started")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the HTTP server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// corsMiddleware adds CORS headers when enabled and recovers panics
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.API.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
		}

		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[API] PANIC RECOVERED: %v", rec)
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprintf(w, `{"error": "Internal Server Error"}`)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleDialStart starts a dial job for a campaign
func (s *Server) handleDialStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, err := auth.GetUserFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "no user in context")
		return
	}

	var req struct {
		CampaignID    string `json:"campaign_id"`
		MaxConcurrent int    `json:"max_concurrent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.CampaignID == "" {
		writeError(w, http.StatusBadRequest, "campaign_id is required")
		return
	}

	job, err := s.manager.StartJob(claims.UserID, req.CampaignID, req.MaxConcurrent)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "campaign not found")
		case errors.Is(err, dialer.ErrPermissionDenied):
			writeError(w, http.StatusForbidden, "not your campaign")
		case errors.Is(err, store.ErrEmptyContactList):
			writeError(w, http.StatusUnprocessableEntity, "campaign has no contacts")
		case errors.Is(err, store.ErrJobAlreadyActive):
			writeError(w, http.StatusConflict, "campaign already has an active job")
		case errors.Is(err, dialer.ErrNoPortsAvailable):
			writeError(w, http.StatusConflict, "no ports available")
		default:
			log.Printf("[API] Start job: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to start job")
		}
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

// handleDialStop cancels a running job
func (s *Server) handleDialStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, _ := auth.GetUserFromContext(r.Context())

	var req struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	if err := s.manager.StopJob(claims.UserID, req.JobID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, dialer.ErrPermissionDenied):
			writeError(w, http.StatusForbidden, "not your job")
		default:
			log.Printf("[API] Stop job: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to stop job")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleDialStatus returns a job snapshot
func (s *Server) handleDialStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, _ := auth.GetUserFromContext(r.Context())

	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	ownerID := claims.UserID
	if claims.Role == "admin" {
		ownerID = "" // admins can inspect any job
	}
	status, err := s.manager.JobStatus(ownerID, jobID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, dialer.ErrPermissionDenied):
			writeError(w, http.StatusForbidden, "not your job")
		default:
			log.Printf("[API] Job status: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to read status")
		}
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleOutcome ingests a call outcome from an external gateway
func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var oc gateway.CallOutcome
	if err := json.NewDecoder(r.Body).Decode(&oc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if oc.CallHandle == "" || oc.JobID == "" || oc.ItemID == "" {
		writeError(w, http.StatusBadRequest, "call_handle, job_id and item_id are required")
		return
	}
	if !oc.Outcome.Valid() {
		writeError(w, http.StatusBadRequest, "unknown outcome")
		return
	}

	s.manager.HandleOutcome(oc)
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// handlePorts registers and lists trunk ports
func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.GetUserFromContext(r.Context())

	if r.Method == http.MethodPost {
		// The model hides sip_secret from JSON output, so decode the
		// request explicitly.
		var req struct {
			Trunk       string `json:"trunk"`
			PortNumber  int    `json:"port_number"`
			SIPUsername string `json:"sip_username"`
			SIPSecret   string `json:"sip_secret"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if req.Trunk == "" || req.PortNumber <= 0 {
			writeError(w, http.StatusBadRequest, "trunk and port_number are required")
			return
		}
		p := store.Port{
			OwnerID:     claims.UserID,
			Trunk:       req.Trunk,
			PortNumber:  req.PortNumber,
			SIPUsername: req.SIPUsername,
			SIPSecret:   req.SIPSecret,
			State:       store.PortAvailable,
		}
		if err := s.store.RegisterPort(&p); err != nil {
			log.Printf("[API] Register port: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to register port")
			return
		}
		writeJSON(w, http.StatusCreated, p)
		return
	}

	if r.Method == http.MethodGet {
		ports, err := s.store.ListOwnerPorts(claims.UserID)
		if err != nil {
			log.Printf("[API] List ports: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to list ports")
			return
		}
		writeJSON(w, http.StatusOK, ports)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleCampaigns creates and fetches campaigns
func (s *Server) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.GetUserFromContext(r.Context())

	if r.Method == http.MethodPost {
		var c store.Campaign
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if c.Name == "" || c.CallerID == "" {
			writeError(w, http.StatusBadRequest, "name and caller_id are required")
			return
		}
		c.OwnerID = claims.UserID
		if err := s.store.CreateCampaign(&c); err != nil {
			log.Printf("[API] Create campaign: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to create campaign")
			return
		}
		writeJSON(w, http.StatusCreated, c)
		return
	}

	if r.Method == http.MethodGet {
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}
		c, err := s.store.GetCampaign(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		if c.OwnerID != claims.UserID && claims.Role != "admin" {
			writeError(w, http.StatusForbidden, "not your campaign")
			return
		}
		writeJSON(w, http.StatusOK, c)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleCampaignContacts bulk-adds phone numbers to a campaign
func (s *Server) handleCampaignContacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, _ := auth.GetUserFromContext(r.Context())

	var req struct {
		CampaignID string   `json:"campaign_id"`
		Numbers    []string `json:"numbers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.CampaignID == "" || len(req.Numbers) == 0 {
		writeError(w, http.StatusBadRequest, "campaign_id and numbers are required")
		return
	}

	c, err := s.store.GetCampaign(req.CampaignID)
	if err != nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if c.OwnerID != claims.UserID {
		writeError(w, http.StatusForbidden, "not your campaign")
		return
	}

	added, err := s.store.AddContacts(req.CampaignID, req.Numbers)
	if err != nil {
		log.Printf("[API] Add contacts: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to add contacts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": added})
}

// handleHealth is the liveness endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.clientCount(),
	})
}

func (s *Server) clientCount() int {
	if s.hub == nil {
		return 0
	}
	return s.hub.ClientCount()
}

// handleLogin authenticates a user and issues a JWT
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	user, err := s.store.GetUserByUsername(req.Username)
	if err != nil || !user.Active {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := auth.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := auth.GenerateToken(user.ID, user.Username, user.Role)
	if err != nil {
		log.Printf("[API] Generate token: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user": map[string]string{
			"username": user.Username,
			"role":     user.Role,
		},
	})
}

// handleUsers creates API accounts. Admin only.
func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.GetUserFromContext(r.Context())
	if claims.Role != "admin" {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	u := &store.User{
		Username:     req.Username,
		PasswordHash: hash,
		Role:         req.Role,
		Active:       true,
	}
	if u.Role == "" {
		u.Role = "operator"
	}
	if err := s.store.CreateUser(u); err != nil {
		log.Printf("[API] Create user: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]bool{"success": true})
}
