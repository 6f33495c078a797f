// Package api serves a read-only JSON view of HAR sessions and the
// conversation cache for local tooling.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/joescharf/devkit/internal/convo"
	"github.com/joescharf/devkit/internal/har"
	"github.com/joescharf/devkit/internal/models"
	"github.com/joescharf/devkit/internal/refstore"
	"github.com/joescharf/devkit/internal/store"
)

// Server provides the REST API handlers.
type Server struct {
	sessions  *har.Manager
	refs      refstore.Backend
	indexer   *convo.Indexer
	log       zerolog.Logger
	threshold int
}

// NewServer creates a new API server. refs may be nil, in which case
// entry values are returned in full.
func NewServer(sessions *har.Manager, refs refstore.Backend, ix *convo.Indexer, log zerolog.Logger) *Server {
	return &Server{
		sessions:  sessions,
		refs:      refs,
		indexer:   ix,
		log:       log,
		threshold: refstore.DefaultThreshold,
	}
}

// WithThreshold sets the reference threshold used when rendering entries.
func (s *Server) WithThreshold(n int) *Server {
	if n > 0 {
		s.threshold = n
	}
	return s
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/har/sessions", s.listHARSessions)
	mux.HandleFunc("GET /api/v1/har/entries", s.listEntries)
	mux.HandleFunc("GET /api/v1/har/entries/{ref}", s.showEntry)
	mux.HandleFunc("GET /api/v1/har/refs/{tag}", s.expandRef)
	mux.HandleFunc("GET /api/v1/har/search", s.searchEntries)
	mux.HandleFunc("GET /api/v1/har/stats", s.harStats)

	mux.HandleFunc("GET /api/v1/convo/sessions", s.listConversations)
	mux.HandleFunc("GET /api/v1/convo/sessions/{id}", s.getConversation)
	mux.HandleFunc("GET /api/v1/convo/stats", s.conversationStats)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeText(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

// sessionError maps session lookup failures to HTTP status codes.
func sessionError(w http.ResponseWriter, err error) {
	var notFound *har.EntryNotFoundError
	switch {
	case errors.Is(err, har.ErrNoSession), errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, har.ErrSourceChanged):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

func (s *Server) formatter(hash string) *refstore.Formatter {
	f := refstore.NewFormatter(s.refs, hash, s.log)
	f.Threshold = s.threshold
	return f
}

// ---------------------------------------------------------------------------
// HAR
// ---------------------------------------------------------------------------

func (s *Server) listHARSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.sessions.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if infos == nil {
		infos = []har.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// entryFilter reads filter predicates from query parameters.
func entryFilter(r *http.Request) har.EntryFilter {
	q := r.URL.Query()
	f := har.EntryFilter{
		Domain: q.Get("domain"),
		URL:    q.Get("url"),
		Status: q.Get("status"),
		Method: q.Get("method"),
		Type:   q.Get("type"),
		Limit:  queryInt(r, "limit", 0),
	}
	if v, err := strconv.ParseFloat(q.Get("min_time"), 64); err == nil {
		f.MinTime = v
	}
	if v, err := strconv.ParseInt(q.Get("min_size"), 10, 64); err == nil {
		f.MinSize = v
	}
	return f
}

func (s *Server) listEntries(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.RequireSession(r.Context(), r.URL.Query().Get("session"))
	if err != nil {
		sessionError(w, err)
		return
	}
	entries := har.FilterEntries(sess.Entries, entryFilter(r))
	if entries == nil {
		entries = []models.IndexedEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) showEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	section := r.URL.Query().Get("section")
	if !har.ValidSection(section) {
		writeError(w, http.StatusBadRequest, "unknown section: "+section)
		return
	}
	sess, err := s.sessions.RequireSession(ctx, r.URL.Query().Get("session"))
	if err != nil {
		sessionError(w, err)
		return
	}
	ie, err := har.LookupEntry(sess, r.PathValue("ref"))
	if err != nil {
		sessionError(w, err)
		return
	}
	archive, err := s.sessions.OpenArchive(ctx, sess)
	if err != nil {
		sessionError(w, err)
		return
	}

	var buf bytes.Buffer
	opts := har.ShowOptions{Raw: queryBool(r, "raw"), Full: queryBool(r, "full"), Section: section}
	if err := har.RenderEntry(ctx, &buf, ie, archive.Entries[ie.Index], s.formatter(sess.SourceHash), opts); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeText(w, buf.String())
}

func (s *Server) expandRef(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := s.sessions.RequireSession(ctx, r.URL.Query().Get("session"))
	if err != nil {
		sessionError(w, err)
		return
	}
	tag := r.PathValue("tag")
	value, ok := s.formatter(sess.SourceHash).Expand(ctx, tag)
	if !ok {
		writeError(w, http.StatusNotFound, "reference not found: "+refstore.NormalizeRefID(tag))
		return
	}
	writeText(w, value)
}

func (s *Server) searchEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := s.sessions.RequireSession(ctx, r.URL.Query().Get("session"))
	if err != nil {
		sessionError(w, err)
		return
	}
	archive, err := s.sessions.OpenArchive(ctx, sess)
	if err != nil {
		sessionError(w, err)
		return
	}

	f := entryFilter(r)
	f.Limit = 0
	hits, err := har.SearchEntries(archive, har.FilterEntries(sess.Entries, f),
		r.URL.Query().Get("q"), r.URL.Query().Get("scope"), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if hits == nil {
		hits = []har.SearchHit{}
	}
	writeJSON(w, http.StatusOK, hits)
}

func (s *Server) harStats(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.RequireSession(r.Context(), r.URL.Query().Get("session"))
	if err != nil {
		sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Stats)
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	opts := convo.ListingOptions{
		Project:          r.URL.Query().Get("project"),
		IncludeSubagents: queryBool(r, "subagents"),
		Limit:            queryInt(r, "limit", 30),
	}

	var (
		listing *convo.Listing
		err     error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		listing, err = s.indexer.Search(r.Context(), q, opts)
	} else {
		listing, err = s.indexer.Listing(r.Context(), opts)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if listing.Sessions == nil {
		listing.Sessions = []*models.SessionMetadata{}
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	meta, err := s.indexer.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) conversationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.indexer.Stats(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if stats == nil {
		stats = []*models.DailyStat{}
	}
	writeJSON(w, http.StatusOK, stats)
}
