// Package gateway is the read-only HTTP observability surface: process
// health, the registered-group roster, and scheduled-task status. It
// issues no commands into the router or dispatcher — everything it
// serves is a snapshot read from the store and registry.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/groupgate/internal/config"
	"github.com/basket/groupgate/internal/persistence"
	"github.com/basket/groupgate/internal/registry"
)

// Config bundles the gateway's collaborators and middleware settings.
type Config struct {
	Store     *persistence.Store
	Registry  *registry.Registry
	Auth      config.AuthConfig
	CORS      config.CORSConfig
	RateLimit config.RateLimitConfig
	Logger    *slog.Logger
}

// Server serves the gateway's HTTP routes.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler builds the route mux wrapped in the auth/CORS/rate-limit
// middleware chain, in the order a request actually meets them: CORS
// first (so a rejected preflight never reaches auth), then rate limiting,
// then the API key check closest to the handlers themselves.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/groups", s.handleGroups)
	mux.HandleFunc("/tasks", s.handleTasks)

	auth := NewAuthMiddleware(s.cfg.Auth)
	rateLimit := NewRateLimitMiddleware(s.cfg.RateLimit)
	cors := NewCORSMiddleware(s.cfg.CORS)

	return cors(rateLimit.Wrap(auth.Wrap(mux)))
}

type healthzResponse struct {
	Healthy      bool  `json:"healthy"`
	DBOK         bool  `json:"db_ok"`
	GroupCount   int   `json:"group_count"`
	UptimeSecond int64 `json:"uptime_seconds"`
}

var startedAt = time.Now()

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.cfg.Store.DB().PingContext(r.Context()); err != nil {
		dbOK = false
		s.logger.Error("gateway: healthz db ping failed", "error", err)
	}

	groupCount := 0
	if s.cfg.Registry != nil {
		groupCount = len(s.cfg.Registry.All())
	}

	resp := healthzResponse{
		Healthy:      dbOK,
		DBOK:         dbOK,
		GroupCount:   groupCount,
		UptimeSecond: int64(time.Since(startedAt).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

type groupView struct {
	JID             string `json:"jid"`
	Name            string `json:"name"`
	Folder          string `json:"folder"`
	IsMain          bool   `json:"is_main"`
	RequiresTrigger bool   `json:"requires_trigger"`
	AssistantName   string `json:"assistant_name,omitempty"`
}

// handleGroups lists every registered group. GET only: registration
// itself happens out-of-band (admin tooling writing directly to the
// registry), not through this read-only surface.
func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	groups := s.cfg.Registry.All()
	out := make([]groupView, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupView{
			JID: g.JID, Name: g.Name, Folder: g.Folder,
			IsMain: g.IsMain, RequiresTrigger: g.RequiresTrigger, AssistantName: g.AssistantName,
		})
	}
	writeJSON(w, out)
}

type taskView struct {
	ID            string `json:"id"`
	GroupFolder   string `json:"group_folder"`
	ChatJID       string `json:"chat_jid"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	ContextMode   string `json:"context_mode"`
	NextRun       string `json:"next_run,omitempty"`
	Status        string `json:"status"`
}

// handleTasks lists scheduled tasks. An optional ?group=<folder> query
// param scopes the listing to one group; tasks are stored per group
// folder, so listing across all groups means iterating the registry.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	var folders []string
	if folder := r.URL.Query().Get("group"); folder != "" {
		folders = []string{folder}
	} else {
		for _, g := range s.cfg.Registry.All() {
			folders = append(folders, g.Folder)
		}
	}

	out := make([]taskView, 0)
	for _, folder := range folders {
		tasks, err := s.cfg.Store.ListTasksForGroup(ctx, folder)
		if err != nil {
			http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusInternalServerError)
			return
		}
		for _, t := range tasks {
			out = append(out, taskView{
				ID: t.ID, GroupFolder: t.GroupFolder, ChatJID: t.ChatJID,
				ScheduleType: string(t.ScheduleType), ScheduleValue: t.ScheduleValue,
				ContextMode: string(t.ContextMode), NextRun: t.NextRun, Status: t.Status,
			})
		}
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
