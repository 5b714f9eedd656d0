package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"snipebot/internal/checkout"
	"snipebot/internal/config"
	"snipebot/internal/logbus"
	"snipebot/internal/model"
	"snipebot/internal/monitor"
	"snipebot/internal/notify"
	"snipebot/internal/proxy"
	"snipebot/internal/session"
	"snipebot/internal/store/sqlite"
	"snipebot/internal/taskengine"
	"snipebot/internal/ws"
)

type Options struct {
	Cfg      config.Config
	Bus      *logbus.Bus
	Store    *sqlite.Store
	Engine   *taskengine.Engine
	Flow     *checkout.Flow
	Pool     *proxy.Pool
	Checker  *proxy.HealthChecker
	Watcher  *monitor.Watcher
	Sessions session.Manager
	Notifier notify.Notifier
}

type Server struct {
	cfg      config.Config
	bus      *logbus.Bus
	store    *sqlite.Store
	engine   *taskengine.Engine
	flow     *checkout.Flow
	pool     *proxy.Pool
	checker  *proxy.HealthChecker
	watcher  *monitor.Watcher
	sessions session.Manager
	notif    notify.Notifier
	ws       *ws.Handler
}

func New(opts Options) *Server {
	return &Server{
		cfg:      opts.Cfg,
		bus:      opts.Bus,
		store:    opts.Store,
		engine:   opts.Engine,
		flow:     opts.Flow,
		pool:     opts.Pool,
		checker:  opts.Checker,
		watcher:  opts.Watcher,
		sessions: opts.Sessions,
		notif:    opts.Notifier,
		ws:       ws.NewHandler(opts.Bus, opts.Cfg.Server.Cors.AllowOrigins),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/ws", s.ws)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/tasks/checkout", s.handleCheckoutTask)
	api.HandleFunc("/api/v1/tasks", s.handleTasks)
	api.HandleFunc("/api/v1/tasks/", s.handleTaskByID)
	api.HandleFunc("/api/v1/orders", s.handleOrders)
	api.HandleFunc("/api/v1/proxies", s.handleProxies)
	api.HandleFunc("/api/v1/proxies/check", s.handleProxiesCheck)
	api.HandleFunc("/api/v1/watch", s.handleWatch)
	api.HandleFunc("/api/v1/engine/state", s.handleEngineState)

	mux.Handle("/api/", corsMiddleware(s.cfg.Server.Cors, api))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type checkoutTaskPayload struct {
	Product model.Product `json:"product"`
	Account model.Account `json:"account"`
	Session struct {
		Token   string            `json:"token,omitempty"`
		Cookies map[string]string `json:"cookies,omitempty"`
	} `json:"session"`
	Credentials *model.Credentials `json:"credentials,omitempty"`
}

func (s *Server) handleCheckoutTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body checkoutTaskPayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	var sess *model.Session
	switch {
	case body.Session.Token != "":
		sess = model.NewSession("api-" + body.Product.ID)
		sess.Token = body.Session.Token
		for k, v := range body.Session.Cookies {
			sess.SetCookie(k, v)
		}
	case body.Credentials != nil:
		ctx, cancel := contextWithTimeout(r, 30*time.Second)
		defer cancel()
		logged, err := s.sessions.Login(ctx, *body.Credentials)
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, session.ErrAuthFailed) {
				status = http.StatusUnauthorized
			}
			writeJSON(w, status, map[string]any{"error": err.Error()})
			return
		}
		sess = logged
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "session token or credentials are required"})
		return
	}

	task := &checkout.Task{
		Flow:      s.flow,
		Product:   body.Product,
		Account:   body.Account,
		Session:   sess,
		Orders:    s.store,
		Announcer: s.notif,
	}
	if err := task.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	id, err := s.engine.Submit(task)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"data": map[string]any{"taskId": id}})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": s.engine.ResultsByStatus(taskengine.Status(status)),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.engine.AllResults()})
}

// handleTaskByID answers from the live engine first, then from the store so
// history survives restarts.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("bad task id %q", raw)})
		return
	}

	if res, ok := s.engine.Result(taskengine.TaskID(id)); ok {
		writeJSON(w, http.StatusOK, map[string]any{"data": res})
		return
	}
	if s.store != nil {
		if rec, err := s.store.GetTask(r.Context(), taskengine.TaskID(id)); err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"data": rec})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"error": "task not found"})
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, err := parseInt(r.URL.Query().Get("limit"), 100)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad limit"})
		return
	}
	orders, err := s.store.ListOrders(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": orders})
}

func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.pool == nil {
		writeJSON(w, http.StatusOK, map[string]any{"data": []proxy.Status{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.pool.Snapshot()})
}

func (s *Server) handleProxiesCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.pool == nil || s.checker == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "no proxy pool configured"})
		return
	}
	ctx, cancel := contextWithTimeout(r, 60*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, map[string]any{"data": s.checker.CheckAll(ctx, s.pool)})
}

type watchPayload struct {
	Product model.Product `json:"product"`
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if s.watcher == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "watcher not configured"})
		return
	}
	switch r.Method {
	case http.MethodGet:
		type watched struct {
			ProductID string                `json:"productId"`
			Last      *monitor.Availability `json:"last,omitempty"`
		}
		var out []watched
		for _, id := range s.watcher.Watching() {
			entry := watched{ProductID: id}
			if a, ok := s.watcher.Last(id); ok {
				entry.Last = &a
			}
			out = append(out, entry)
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": out})
	case http.MethodPost:
		var body watchPayload
		if err := readJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if err := s.watcher.Watch(body.Product); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case http.MethodDelete:
		id := strings.TrimSpace(r.URL.Query().Get("id"))
		if id == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id is required"})
			return
		}
		s.watcher.Unwatch(id)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEngineState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"maxConcurrent":    s.engine.MaxConcurrent(),
		"availablePermits": s.engine.AvailablePermits(),
		"running":          s.engine.RunningCount(),
		"pending":          s.engine.PendingCount(),
		"total":            s.engine.TotalCount(),
		"shuttingDown":     s.engine.IsShuttingDown(),
	}})
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseInt(v string, def int) (int, error) {
	if strings.TrimSpace(v) == "" {
		return def, nil
	}
	return strconv.Atoi(strings.TrimSpace(v))
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
