// Package api provides the HTTP API for querying colony state.
// GET endpoints are public (read-only observation).
// POST endpoints require a bearer token (admin control plane).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/mini-colony/internal/engine"
	"github.com/talgya/mini-colony/internal/location"
	"github.com/talgya/mini-colony/internal/manager"
	"github.com/talgya/mini-colony/internal/persistence"
	"github.com/talgya/mini-colony/internal/request"
	"github.com/talgya/mini-colony/internal/requestable"
	"github.com/talgya/mini-colony/internal/token"
	"github.com/talgya/mini-colony/internal/view"
)

// maxBody bounds admin request bodies.
const maxBody = 64 << 10

// execTimeout bounds how long a handler waits for the tick goroutine.
const execTimeout = 5 * time.Second

// Server serves the colony state over HTTP.
type Server struct {
	Colony   *engine.Colony
	Eng      *engine.Engine
	DB       *persistence.DB
	Log      *engine.TransitionLog
	WS       http.Handler // Mounted at /ws when set.
	Port     int
	AdminKey string // Bearer token for POST endpoints. Empty = POST disabled.

	// Admin mutations per client per minute; zero means 30.
	AdminRate int

	srv *http.Server
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	rate := s.AdminRate
	if rate <= 0 {
		rate = 30
	}
	adminLimiter := NewRateLimiter(rate, time.Minute)
	limitPosts := func(next http.HandlerFunc) http.HandlerFunc {
		limited := RateLimitMiddleware(adminLimiter, next)
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				limited(w, r)
				return
			}
			next(w, r)
		}
	}

	mux := http.NewServeMux()

	// Public endpoints (GET, read-only).
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/resolvers", s.handleResolvers)
	mux.HandleFunc("/api/v1/citizens", s.handleCitizens)
	mux.HandleFunc("/api/v1/structures", s.handleStructures)
	mux.HandleFunc("/api/v1/transitions", s.handleTransitions)

	// Collection: GET lists, POST creates (admin).
	mux.HandleFunc("/api/v1/requests", s.adminOnly(limitPosts(s.handleRequests)))
	// Detail: GET /request/{token}, POST /request/{token}/{cancel|fulfil}.
	mux.HandleFunc("/api/v1/request/", s.adminOnly(limitPosts(s.handleRequestRoutes)))

	// Admin endpoints (POST, require bearer token).
	mux.HandleFunc("/api/v1/speed", s.adminOnly(limitPosts(s.handleSpeed)))

	if s.WS != nil {
		mux.Handle("/ws", s.WS)
	}
	return corsMiddleware(mux)
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.Port)
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "", "ws", s.WS != nil)

	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops the listener started by Start.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set COLONY_CORS_ORIGINS to a comma-separated list of extra origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("COLONY_CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth on POST requests.
// GET requests pass through (for endpoints that support both GET and POST).
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if s.AdminKey == "" {
				http.Error(w, "admin endpoints disabled (no COLONY_ADMIN_KEY set)", http.StatusForbidden)
				return
			}

			if !s.checkBearerToken(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next(w, r)
	}
}

// exec runs fn on the tick goroutine.
func (s *Server) exec(r *http.Request, fn func()) error {
	ctx, cancel := context.WithTimeout(r.Context(), execTimeout)
	defer cancel()
	return s.Colony.Exec(ctx, fn)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	p := s.Colony.Published()
	alive := 0
	for _, c := range p.Citizens {
		if c.Alive {
			alive++
		}
	}
	running := s.Eng != nil && s.Eng.Running()

	status := map[string]any{
		"colony":      p.Colony.String(),
		"tick":        p.Tick,
		"sim_time":    p.SimTime,
		"running":     running,
		"live":        p.Stats.Live,
		"created":     p.Stats.Created,
		"waiting":     p.Stats.Waiting,
		"in_progress": p.Stats.InProgress,
		"stalled":     p.Stats.Stalled,
		"resolvers":   p.Stats.Resolvers,
		"requesters":  p.Stats.Requesters,
		"citizens":    alive,
		"totals":      p.Stats.Totals,
		"summary": fmt.Sprintf("%s created, %s completed, %s cancelled",
			humanize.Comma(int64(p.Stats.Totals.Created)),
			humanize.Comma(int64(p.Stats.Totals.Completed)),
			humanize.Comma(int64(p.Stats.Totals.Cancelled)),
		),
		"last_tick": p.Report,
		"activity":  p.Activity,
	}
	writeJSON(w, status)
}

type requestSummary struct {
	Token       string   `json:"token"`
	Requester   string   `json:"requester"`
	RequestedBy string   `json:"requested_by,omitempty"`
	State       string   `json:"state"`
	Resolver    string   `json:"resolver,omitempty"`
	ResolvedBy  string   `json:"resolved_by,omitempty"`
	Parent      string   `json:"parent,omitempty"`
	Children    []string `json:"children,omitempty"`
	PayloadType string   `json:"payload_type"`
	Payload     string   `json:"payload"`
	CreatedTick uint64   `json:"created_tick"`
	UpdatedTick uint64   `json:"updated_tick"`
}

// names maps tokens to display names from the published copy.
func names(p engine.Published) map[token.Token]string {
	out := make(map[token.Token]string, len(p.Resolvers)+len(p.Citizens)+1)
	out[p.Colony] = "town hall"
	for _, rv := range p.Resolvers {
		out[rv.ID] = rv.Name
	}
	for _, c := range p.Citizens {
		out[c.ID] = c.Name
	}
	return out
}

func summarize(r *request.Request, who map[token.Token]string) requestSummary {
	s := requestSummary{
		Token:       r.ID.String(),
		Requester:   r.RequesterID.String(),
		RequestedBy: who[r.RequesterID],
		State:       r.State.String(),
		PayloadType: string(r.Payload.TypeTag()),
		Payload:     r.Payload.Describe(),
		CreatedTick: r.CreatedTick,
		UpdatedTick: r.UpdatedTick,
	}
	if r.ResolverID != nil {
		s.Resolver = r.ResolverID.String()
		s.ResolvedBy = who[*r.ResolverID]
	}
	if r.Parent != nil {
		s.Parent = r.Parent.String()
	}
	for _, c := range r.Children {
		s.Children = append(s.Children, c.String())
	}
	return s
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listRequests(w, r)
	case http.MethodPost:
		s.createRequest(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 200
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 5000 {
			limit = n
		}
	}
	var state *request.State
	if v := q.Get("state"); v != "" {
		st, err := request.ParseState(strings.ToUpper(v))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		state = &st
	}
	var requester *token.Token
	if v := q.Get("requester"); v != "" {
		t, err := token.Parse(v)
		if err != nil {
			http.Error(w, "invalid requester token", http.StatusBadRequest)
			return
		}
		requester = &t
	}

	p := s.Colony.Published()
	who := names(p)
	result := []requestSummary{}
	for _, req := range p.Requests {
		if state != nil && req.State != *state {
			continue
		}
		if requester != nil && req.RequesterID != *requester {
			continue
		}
		result = append(result, summarize(req, who))
		if len(result) == limit {
			break
		}
	}
	writeJSON(w, result)
}

// createBody is the admin create message. Location and payload use the
// registry envelope form {"type": ..., "data": {...}}.
type createBody struct {
	Requester string          `json:"requester"`
	Location  json.RawMessage `json:"location"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) createRequest(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := view.Validate(view.SchemaCreateRequest, raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var body createBody
	if err := json.Unmarshal(raw, &body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	payload, err := requestable.Registry().DeserializeAny(body.Payload)
	if err != nil {
		http.Error(w, "payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	var loc location.Location = location.Nowhere{}
	if len(body.Location) > 0 {
		if loc, err = location.Registry().DeserializeAny(body.Location); err != nil {
			http.Error(w, "location: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	// Requests raised without a requester belong to the town hall.
	requester := s.Colony.ID
	if body.Requester != "" {
		if requester, err = token.Parse(body.Requester); err != nil {
			http.Error(w, "invalid requester token", http.StatusBadRequest)
			return
		}
	}

	var id token.Token
	var createErr error
	if err := s.exec(r, func() {
		id, createErr = s.Colony.Manager.CreateRequest(requester, loc, payload)
	}); err != nil {
		http.Error(w, "colony busy", http.StatusServiceUnavailable)
		return
	}
	if createErr != nil {
		http.Error(w, createErr.Error(), http.StatusBadRequest)
		return
	}
	slog.Info("request created via API", "token", id.Short(), "payload", payload.Describe())
	writeJSONStatus(w, http.StatusCreated, map[string]string{"token": id.String()})
}

// handleRequestRoutes dispatches /api/v1/request/{token}[/{action}].
func (s *Server) handleRequestRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/request/"), "/")
	tokStr, action, _ := strings.Cut(rest, "/")
	t, err := token.Parse(tokStr)
	if err != nil {
		http.Error(w, "invalid request token", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleRequestDetail(w, t)
	case r.Method != http.MethodPost:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	case action == "cancel":
		s.mutate(w, r, t, "cancelled", func() error { return s.Colony.Manager.CancelRequest(t) })
	case action == "fulfil":
		s.mutate(w, r, t, "fulfilled", func() error { return s.Colony.Player.Fulfil(s.Colony.Manager, t) })
	case action == "refuse":
		s.mutate(w, r, t, "refused", func() error { return s.Colony.Player.Refuse(s.Colony.Manager, t) })
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleRequestDetail(w http.ResponseWriter, t token.Token) {
	p := s.Colony.Published()
	for _, req := range p.Requests {
		if req.ID != t {
			continue
		}
		rec, err := request.DefaultCodec().Encode(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, struct {
			requestSummary
			Record json.RawMessage `json:"record"`
		}{summarize(req, names(p)), rec})
		return
	}
	http.Error(w, "request not found", http.StatusNotFound)
}

func (s *Server) mutate(w http.ResponseWriter, r *http.Request, t token.Token, verb string, fn func() error) {
	var opErr error
	if err := s.exec(r, func() { opErr = fn() }); err != nil {
		http.Error(w, "colony busy", http.StatusServiceUnavailable)
		return
	}
	switch {
	case errors.Is(opErr, manager.ErrUnknownToken):
		http.Error(w, "request not found", http.StatusNotFound)
		return
	case opErr != nil:
		http.Error(w, opErr.Error(), http.StatusConflict)
		return
	}
	slog.Info("request "+verb+" via API", "token", t.Short())
	writeJSON(w, map[string]string{"token": t.String(), "result": verb})
}

type resolverSummary struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	Priority int      `json:"priority"`
	Held     int      `json:"held"`
	Q        *int     `json:"q,omitempty"`
	R        *int     `json:"r,omitempty"`
	Queue    []string `json:"queue,omitempty"`
}

func (s *Server) handleResolvers(w http.ResponseWriter, r *http.Request) {
	p := s.Colony.Published()
	result := make([]resolverSummary, 0, len(p.Resolvers))
	for _, rv := range p.Resolvers {
		sum := resolverSummary{
			ID:       rv.ID.String(),
			Name:     rv.Name,
			Kind:     rv.Kind,
			Priority: rv.Priority,
			Held:     rv.Held,
		}
		if rv.Position != nil {
			q, rr := rv.Position.Q, rv.Position.R
			sum.Q, sum.R = &q, &rr
		}
		for _, t := range rv.Queue {
			sum.Queue = append(sum.Queue, t.String())
		}
		result = append(result, sum)
	}
	writeJSON(w, result)
}

func (s *Server) handleCitizens(w http.ResponseWriter, r *http.Request) {
	type citizenSummary struct {
		ID          string  `json:"id"`
		Name        string  `json:"name"`
		Occupation  string  `json:"occupation"`
		Q           int     `json:"q"`
		R           int     `json:"r"`
		Food        float32 `json:"food"`
		Tools       float32 `json:"tools"`
		Alive       bool    `json:"alive"`
		Outstanding int     `json:"outstanding"`
		Completed   int     `json:"completed"`
		Cancelled   int     `json:"cancelled"`
		Stalled     int     `json:"stalled"`
	}

	p := s.Colony.Published()
	result := make([]citizenSummary, 0, len(p.Citizens))
	for _, c := range p.Citizens {
		result = append(result, citizenSummary{
			ID:          c.ID.String(),
			Name:        c.Name,
			Occupation:  c.Occupation,
			Q:           c.Position.Q,
			R:           c.Position.R,
			Food:        c.Food,
			Tools:       c.Tools,
			Alive:       c.Alive,
			Outstanding: c.Outstanding,
			Completed:   c.Completed,
			Cancelled:   c.Cancelled,
			Stalled:     c.Stalled,
		})
	}
	writeJSON(w, result)
}

func (s *Server) handleStructures(w http.ResponseWriter, r *http.Request) {
	type structureSummary struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Kind    string `json:"kind"`
		Q       int    `json:"q"`
		R       int    `json:"r"`
		Level   int    `json:"level"`
		Pending bool   `json:"pending"`
	}

	p := s.Colony.Published()
	result := make([]structureSummary, 0, len(p.Structures))
	for _, st := range p.Structures {
		result = append(result, structureSummary{
			ID:      st.ID.String(),
			Name:    st.Site.Name,
			Kind:    st.Site.Kind.String(),
			Q:       st.Site.Coord.Q,
			R:       st.Site.Coord.R,
			Level:   st.Level,
			Pending: st.Pending,
		})
	}
	writeJSON(w, result)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	var ts []request.Transition
	switch {
	case s.Log != nil:
		ts = s.Log.Recent(limit)
	case s.DB != nil:
		var err error
		if ts, err = s.DB.RecentTransitions(limit); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	type transitionSummary struct {
		Tick     uint64 `json:"tick"`
		SimTime  string `json:"sim_time"`
		Token    string `json:"token"`
		From     string `json:"from"`
		To       string `json:"to"`
		Resolver string `json:"resolver,omitempty"`
		Reason   string `json:"reason,omitempty"`
	}
	result := make([]transitionSummary, 0, len(ts))
	for _, t := range ts {
		sum := transitionSummary{
			Tick:    t.Tick,
			SimTime: engine.SimTime(t.Tick),
			Token:   t.Token.String(),
			From:    t.From.String(),
			To:      t.To.String(),
			Reason:  t.Reason,
		}
		if t.Resolver != nil {
			sum.Resolver = t.Resolver.String()
		}
		result = append(result, sum)
	}
	writeJSON(w, result)
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if s.Eng == nil {
		http.Error(w, "engine not attached", http.StatusServiceUnavailable)
		return
	}
	if r.Method == http.MethodPost {
		var req struct {
			Speed float64 `json:"speed"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Speed < 0 || req.Speed > 1000 {
			http.Error(w, "speed must be 0-1000", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), execTimeout)
		defer cancel()
		if err := s.Eng.SetSpeed(ctx, req.Speed); err != nil {
			http.Error(w, "engine busy", http.StatusServiceUnavailable)
			return
		}
		slog.Info("speed changed", "speed", req.Speed)
	}

	var speed float64
	ctx, cancel := context.WithTimeout(r.Context(), execTimeout)
	defer cancel()
	if err := s.Eng.Do(ctx, func() { speed = s.Eng.Speed }); err != nil {
		http.Error(w, "engine busy", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]float64{"speed": speed})
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
