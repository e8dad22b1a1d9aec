// Package api exposes the playback controls of every session over HTTP.
//
// All routes speak JSON. Sessions are created implicitly by the first
// request that needs one (enqueue, effect job, trigger) and torn down by
// DELETE /sessions/{key}. Errors are returned as {"error": "..."} with a
// status derived from the package sentinel errors.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/tavern/internal/cache"
	"github.com/MrWong99/tavern/internal/effects"
	"github.com/MrWong99/tavern/internal/queue"
	"github.com/MrWong99/tavern/internal/resolve"
	"github.com/MrWong99/tavern/internal/session"
)

// Defaults for GET /search.
const (
	defaultSearchResults = 5
	maxSearchResults     = 25
)

// maxBody bounds request bodies.
const maxBody = 64 << 10

// Sessions is the registry surface the API drives. [*session.Registry]
// satisfies it.
type Sessions interface {
	GetOrCreate(ctx context.Context, key string) (*session.Session, error)
	Get(key string) (*session.Session, bool)
	Remove(key string) error
	Keys() []string
}

// Catalog searches for remote media and expands playlists.
// [*resolve.Resolver] satisfies it.
type Catalog interface {
	Search(ctx context.Context, query string, n int) ([]cache.Metadata, error)
	Expand(ctx context.Context, locator string) ([]string, error)
}

// Server serves the control routes.
type Server struct {
	sessions Sessions
	library  *effects.Library
	catalog  Catalog
}

// New creates a Server. library and catalog may be nil, which disables
// /sounds and /search respectively.
func New(sessions Sessions, library *effects.Library, catalog Catalog) *Server {
	return &Server{sessions: sessions, library: library, catalog: catalog}
}

// Register adds every control route to mux:
//
//	GET    /sessions
//	DELETE /sessions/{key}
//	POST   /sessions/{key}/queue           enqueue (playlists are expanded)
//	GET    /sessions/{key}/queue
//	DELETE /sessions/{key}/queue           prune by ?requested_by=
//	POST   /sessions/{key}/{skip,clear,stop,pause,resume}
//	POST   /sessions/{key}/effects/jobs
//	GET    /sessions/{key}/effects/jobs
//	DELETE /sessions/{key}/effects/jobs/{id}
//	POST   /sessions/{key}/effects/trigger
//	GET    /sounds
//	GET    /search?q=&n=
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /sessions/{key}", s.handleDeleteSession)

	mux.HandleFunc("POST /sessions/{key}/queue", s.handleEnqueue)
	mux.HandleFunc("GET /sessions/{key}/queue", s.handleListQueue)
	mux.HandleFunc("DELETE /sessions/{key}/queue", s.handlePrune)
	mux.HandleFunc("POST /sessions/{key}/skip", s.handleSkip)
	mux.HandleFunc("POST /sessions/{key}/clear", s.handleClear)
	mux.HandleFunc("POST /sessions/{key}/stop", s.handleStop)
	mux.HandleFunc("POST /sessions/{key}/pause", s.handlePause)
	mux.HandleFunc("POST /sessions/{key}/resume", s.handleResume)

	mux.HandleFunc("POST /sessions/{key}/effects/jobs", s.handleAddJob)
	mux.HandleFunc("GET /sessions/{key}/effects/jobs", s.handleListJobs)
	mux.HandleFunc("DELETE /sessions/{key}/effects/jobs/{id}", s.handleRemoveJob)
	mux.HandleFunc("POST /sessions/{key}/effects/trigger", s.handleTrigger)
	mux.HandleFunc("POST /sessions/{key}/effects/clear", s.handleClearEffects)

	mux.HandleFunc("GET /sounds", s.handleSounds)
	mux.HandleFunc("GET /search", s.handleSearch)
}

// ─── Sessions ─────────────────────────────────────────────────────────────────

type sessionInfo struct {
	Key       string      `json:"key"`
	Created   time.Time   `json:"created"`
	Listeners int         `json:"listeners"`
	Paused    bool        `json:"paused"`
	QueueLen  int         `json:"queue_len"`
	Current   *queue.Item `json:"current,omitempty"`
	Jobs      int         `json:"effect_jobs"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	keys := s.sessions.Keys()
	out := make([]sessionInfo, 0, len(keys))
	for _, k := range keys {
		sess, ok := s.sessions.Get(k)
		if !ok {
			continue
		}
		info := sessionInfo{
			Key:      sess.Key,
			Created:  sess.Created,
			Paused:   sess.Mixer.Paused(),
			QueueLen: sess.Queue.Len(),
			Jobs:     len(sess.Effects.ListJobs()),
		}
		if c := sess.Conn(); c != nil {
			info.Listeners = c.Listeners()
		}
		if cur, ok := sess.Queue.Current(); ok {
			info.Current = &cur
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Remove(r.PathValue("key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// existing resolves the session named in the path, writing 404 when absent.
func (s *Server) existing(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := s.sessions.Get(r.PathValue("key"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no active session"})
	}
	return sess, ok
}

// ─── Queue ────────────────────────────────────────────────────────────────────

type enqueueRequest struct {
	Locator     string `json:"locator"`
	RequestedBy string `json:"requested_by"`
	Mode        string `json:"mode"`
}

type enqueueResponse struct {
	Positions []int `json:"positions"`
	Expanded  bool  `json:"expanded,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decode(w, r, &req) {
		return
	}
	req.Locator = strings.TrimSpace(req.Locator)
	if req.Locator == "" {
		writeError(w, queue.ErrNoLocator)
		return
	}
	mode, ok := queue.ParseMode(req.Mode)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "mode must be append or next"})
		return
	}

	locators := []string{req.Locator}
	if s.catalog != nil {
		expanded, err := s.catalog.Expand(r.Context(), req.Locator)
		if err != nil {
			writeError(w, err)
			return
		}
		if len(expanded) == 0 {
			writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "playlist is empty"})
			return
		}
		locators = expanded
	}

	sess, err := s.sessions.GetOrCreate(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}

	positions, err := sess.Queue.EnqueueAll(locators, req.RequestedBy, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResponse{
		Positions: positions,
		Expanded:  len(locators) > 1 || locators[0] != req.Locator,
	})
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.existing(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Queue.List())
}

type countResponse struct {
	Removed int `json:"removed"`
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.existing(w, r)
	if !ok {
		return
	}
	by := r.URL.Query().Get("requested_by")
	if by == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "requested_by is required"})
		return
	}
	n := sess.Queue.Prune(func(req queue.Request) bool { return req.RequestedBy == by })
	writeJSON(w, http.StatusOK, countResponse{Removed: n})
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.existing(w, r)
	if !ok {
		return
	}
	item, err := sess.Queue.Skip()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.existing(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Removed: sess.Queue.Clear()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.existing(w, r)
	if !ok {
		return
	}
	sess.Queue.Stop()
	sess.Mixer.ClearEffects()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.existing(w, r)
	if !ok {
		return
	}
	sess.Mixer.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.existing(w, r)
	if !ok {
		return
	}
	sess.Mixer.Resume()
	w.WriteHeader(http.StatusNoContent)
}

// ─── Effects ──────────────────────────────────────────────────────────────────

type jobRequest struct {
	Sounds []string `json:"sounds"`
	Min    duration `json:"min_interval"`
	Max    duration `json:"max_interval"`
}

type jobResponse struct {
	ID string `json:"id"`
}

// handleClearEffects silences playing effects and leaves the queue and the
// scheduled jobs alone.
func (s *Server) handleClearEffects(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.existing(w, r)
	if !ok {
		return
	}
	sess.Mixer.ClearEffects()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.sessions.GetOrCreate(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := sess.Effects.AddJob(req.Sounds, time.Duration(req.Min), time.Duration(req.Max))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobResponse{ID: id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.existing(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Effects.ListJobs())
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.existing(w, r)
	if !ok {
		return
	}
	if err := sess.Effects.RemoveJob(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type triggerRequest struct {
	Sound string `json:"sound"`
}

type soundResponse struct {
	Name string `json:"name"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.sessions.GetOrCreate(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	snd, err := sess.Effects.TriggerNow(r.Context(), req.Sound)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, soundResponse{Name: snd.Name})
}

// ─── Catalog ──────────────────────────────────────────────────────────────────

func (s *Server) handleSounds(w http.ResponseWriter, _ *http.Request) {
	if s.library == nil {
		writeJSON(w, http.StatusOK, []soundResponse{})
		return
	}
	sounds := s.library.List()
	out := make([]soundResponse, len(sounds))
	for i, snd := range sounds {
		out[i] = soundResponse{Name: snd.Name}
	}
	writeJSON(w, http.StatusOK, out)
}

type searchResult struct {
	Locator  string `json:"locator"`
	Title    string `json:"title"`
	Uploader string `json:"uploader,omitempty"`
	Duration string `json:"duration"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "q is required"})
		return
	}
	if s.catalog == nil {
		writeError(w, resolve.ErrUnsupported)
		return
	}
	n := defaultSearchResults
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "n must be a positive integer"})
			return
		}
		n = min(v, maxSearchResults)
	}
	metas, err := s.catalog.Search(r.Context(), q, n)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]searchResult, len(metas))
	for i, m := range metas {
		out[i] = searchResult{Locator: m.Locator, Title: m.Title, Uploader: m.Uploader, Duration: m.DisplayDuration()}
	}
	writeJSON(w, http.StatusOK, out)
}

// ─── Encoding ─────────────────────────────────────────────────────────────────

// duration accepts "30s" style strings or a number of seconds.
type duration time.Duration

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return errors.New("duration must be a string like \"30s\" or a number of seconds")
	}
	*d = duration(secs * float64(time.Second))
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// statusFor maps package sentinel errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrNoLocator),
		errors.Is(err, effects.ErrInvalidJob),
		errors.Is(err, session.ErrNoKey):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrEmpty),
		errors.Is(err, effects.ErrUnknownJob),
		errors.Is(err, effects.ErrUnknownSound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrClosed),
		errors.Is(err, effects.ErrClosed):
		return http.StatusGone
	case errors.Is(err, resolve.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, resolve.ErrUnresolvable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("api: request failed", "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "err", err)
	}
}
