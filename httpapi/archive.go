package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/arkiv/archive"
	"github.com/hazyhaar/arkiv/authz"
	"github.com/hazyhaar/arkiv/hooks"
	"github.com/hazyhaar/arkiv/pipeline"
)

func (s *Server) handleArchiveStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stats, err := s.d.Organizer.Index().Stats(r.Context(), archive.StatsFilter{
		Owner:   slugOrEmpty(q.Get("owner")),
		Year:    atoiDefault(q.Get("year"), 0),
		DocType: slugOrEmpty(q.Get("doc_type")),
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleArchiveSearch runs the index query and drops results the caller's
// policy denies, so a search can never leak classified pages.
func (s *Server) handleArchiveSearch(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	q := r.URL.Query()

	results, err := s.d.Organizer.Index().Search(r.Context(), archive.Query{
		Text:     q.Get("text"),
		Owner:    slugOrEmpty(q.Get("owner")),
		Year:     atoiDefault(q.Get("year"), 0),
		DocType:  slugOrEmpty(q.Get("doc_type")),
		BatchID:  q.Get("batch_id"),
		QCStatus: q.Get("qc_status"),
		Limit:    atoiDefault(q.Get("limit"), 50),
		Offset:   atoiDefault(q.Get("offset"), 0),
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}

	visible := results[:0]
	for _, res := range results {
		if s.d.Policy.Evaluate(user, docAttrs(&res.Entry)).Allowed {
			visible = append(visible, res)
		}
	}

	s.audit(r, &authz.AuditEvent{
		Action:       authz.ActionSearch,
		ResourceType: "archive",
		Allowed:      true,
		Metadata:     map[string]string{"text": q.Get("text")},
	})
	writeJSON(w, http.StatusOK, map[string]any{"results": visible, "count": len(visible)})
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	pageID := chi.URLParam(r, "page_id")

	entry, err := s.d.Organizer.Index().Get(r.Context(), pageID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if !s.allowDocument(w, r, user, entry, authz.ActionView) {
		return
	}
	s.audit(r, &authz.AuditEvent{
		Action: authz.ActionView, ResourceType: "document", ResourceID: pageID, Allowed: true,
	})
	if s.d.Hooks != nil {
		s.d.Hooks.Fire(hooks.EventDocumentRetrieved, map[string]any{
			"key":     entry.ImageKey,
			"page_id": pageID,
		}, map[string]string{"user": user.Username})
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	pageID := chi.URLParam(r, "page_id")
	size := r.URL.Query().Get("size")
	if size == "" {
		size = "small"
	}
	if !archive.ValidThumbSize(size) {
		writeError(w, http.StatusBadRequest, "bad_request", "size must be icon, small, medium or large")
		return
	}

	entry, err := s.d.Organizer.Index().Get(r.Context(), pageID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if !s.allowDocument(w, r, user, entry, authz.ActionView) {
		return
	}

	data, err := s.d.Thumbs.Get(r.Context(), pageID, size)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(data)
}

func (s *Server) handleFacet(dimension string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		values, err := s.d.Organizer.Index().Facets(r.Context(), dimension)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"values": values})
	}
}

type batchRequest struct {
	Owner   string `json:"owner"`
	Year    int    `json:"year"`
	DocType string `json:"doc_type"`
	BatchID string `json:"batch_id"`
	Force   bool   `json:"force,omitempty"`
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	if !user.HasRole(authz.RoleOperator) && !user.HasRole(authz.RoleAdmin) {
		writeError(w, http.StatusForbidden, "policy_denied", "operator role required")
		return
	}
	var req batchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed merge body")
		return
	}

	res, err := s.d.Merger.Merge(r.Context(), req.Owner, req.Year, req.DocType, req.BatchID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.audit(r, &authz.AuditEvent{
		Action:       authz.ActionCreate,
		ResourceType: "batch",
		ResourceID:   res.PDFKey,
		Allowed:      true,
	})
	if s.d.Hooks != nil {
		s.d.Hooks.Fire(hooks.EventBatchCompleted, map[string]any{
			"key":        res.PDFKey,
			"page_count": res.PageCount,
		}, map[string]string{"user": user.Username})
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleThumbnailsGenerate(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed body")
		return
	}
	n, err := s.d.Thumbs.GenerateBatch(r.Context(), req.Owner, req.Year, req.DocType, req.BatchID, req.Force)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rendered": n})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	if !user.HasRole(authz.RoleOperator) && !user.HasRole(authz.RoleAdmin) {
		writeError(w, http.StatusForbidden, "policy_denied", "operator role required")
		return
	}
	var sub pipeline.Submission
	if err := decode(r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed submission body")
		return
	}

	res, err := s.d.Pipeline.Ingest(r.Context(), sub)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.audit(r, &authz.AuditEvent{
		Action:       authz.ActionUpload,
		ResourceType: "page",
		ResourceID:   sub.PageID,
		Allowed:      true,
		Metadata:     map[string]string{"severity": string(res.Decision.Severity)},
	})
	writeJSON(w, http.StatusOK, res)
}

// allowDocument evaluates the ABAC chain and answers 403 (with a denied
// audit record) when the caller may not see the page.
func (s *Server) allowDocument(w http.ResponseWriter, r *http.Request, user *authz.User, entry *archive.Entry, action string) bool {
	decision := s.d.Policy.Evaluate(user, docAttrs(entry))
	if decision.Allowed {
		return true
	}
	s.audit(r, &authz.AuditEvent{
		Action:       action,
		ResourceType: "document",
		ResourceID:   entry.PageID,
		Allowed:      false,
		Metadata:     map[string]string{"rule": decision.Rule},
	})
	writeError(w, http.StatusForbidden, "policy_denied", "access denied: "+decision.Rule)
	return false
}

func docAttrs(e *archive.Entry) authz.DocumentAttrs {
	return authz.DocumentAttrs{
		OwnerID:         e.OwnerUserID,
		Department:      e.Department,
		Confidentiality: e.Confidentiality,
	}
}

// entryForImageKey resolves a storage key back to its index entry through
// the page_id recorded in object metadata at archive time.
func (s *Server) entryForImageKey(r *http.Request, key string) (*archive.Entry, error) {
	info, err := s.d.Organizer.Store().Meta().Lookup(r.Context(), key)
	if err != nil {
		return nil, err
	}
	pageID := info.Metadata["page_id"]
	if pageID == "" {
		return nil, errors.New("httpapi: no page for key")
	}
	return s.d.Organizer.Index().Get(r.Context(), pageID)
}

// slugOrEmpty canonicalises a filter value the way the organiser keys
// pages, leaving empty (absent) filters alone.
func slugOrEmpty(s string) string {
	if s == "" {
		return ""
	}
	return archive.Slugify(s)
}
