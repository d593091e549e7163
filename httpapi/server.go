// Package httpapi is the HTTP edge: chi routes over the archive, QC queue,
// routing store, feedback log and authorisation core. All endpoints speak
// JSON; everything except login and health requires a bearer session.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/arkiv/archive"
	"github.com/hazyhaar/arkiv/authz"
	"github.com/hazyhaar/arkiv/feedback"
	"github.com/hazyhaar/arkiv/hooks"
	"github.com/hazyhaar/arkiv/merge"
	"github.com/hazyhaar/arkiv/pipeline"
	"github.com/hazyhaar/arkiv/qcqueue"
	"github.com/hazyhaar/arkiv/routing"
	"github.com/hazyhaar/arkiv/shield"
)

const maxBodyBytes = 32 << 20 // page images arrive inline on ingest

// Deps wires the subsystems into the edge. Limiter and Hooks may be nil.
type Deps struct {
	Users     *authz.UserStore
	Sessions  *authz.SessionStore
	Policy    *authz.Policy
	Audit     *authz.AuditLog
	Decisions *routing.Store
	Queue     *qcqueue.Queue
	Feedback  *feedback.Log
	Organizer *archive.Organizer
	Thumbs    *archive.Thumbnailer
	Merger    *merge.Merger
	Pipeline  *pipeline.Pipeline
	Hooks     *hooks.Dispatcher
	Limiter   *shield.RateLimiter
	Log       *slog.Logger
}

// Server holds the handler set.
type Server struct {
	d Deps
}

func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Policy == nil {
		d.Policy = authz.DefaultPolicy()
	}
	return &Server{d: d}
}

// Router builds the full route tree with the shield middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(shield.TraceID)
	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
	r.Use(shield.MaxBody(maxBodyBytes))
	if s.d.Limiter != nil {
		r.Use(s.d.Limiter.Middleware)
	}

	r.Get("/api/health", s.handleHealth)
	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Post("/api/auth/logout", s.handleLogout)
		r.Get("/api/auth/me", s.handleMe)

		r.Get("/api/routing/summary", s.handleRoutingSummary)
		r.Get("/api/routing/recent", s.handleRoutingRecent)
		r.Get("/api/routing/trends", s.handleRoutingTrends)

		r.Get("/api/qc/queue/stats", s.handleQueueStats)
		r.Get("/api/qc/queue/pending", s.handleQueuePending)
		r.Get("/api/qc/task/next", s.handleTaskNext)
		r.Post("/api/qc/task/{id}/submit", s.handleTaskSubmit)
		r.Post("/api/qc/task/{id}/release", s.handleTaskRelease)
		r.Get("/api/qc/image/*", s.handleQCImage)
		r.Get("/api/qc/feedback/stats", s.handleFeedbackStats)
		r.Get("/api/qc/operator/{id}/stats", s.handleOperatorStats)

		r.Get("/api/archive/stats", s.handleArchiveStats)
		r.Get("/api/archive/search", s.handleArchiveSearch)
		r.Get("/api/archive/document/{page_id}", s.handleDocument)
		r.Get("/api/archive/thumbnail/{page_id}", s.handleThumbnail)
		r.Get("/api/archive/owners", s.handleFacet("owner"))
		r.Get("/api/archive/doc_types", s.handleFacet("doc_type"))
		r.Get("/api/archive/years", s.handleFacet("year"))
		r.Post("/api/archive/merge", s.handleMerge)
		r.Post("/api/archive/thumbnails/generate", s.handleThumbnailsGenerate)

		r.Post("/api/pages/ingest", s.handleIngest)
	})

	return r
}

// handleHealth reports per-subsystem liveness without touching auth.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{
		"storage": "ok",
		"qc":      "ok",
		"archive": "ok",
	}
	if s.d.Organizer != nil {
		components["storage"] = s.d.Organizer.Store().Backend()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"components": components,
	})
}
