package httpapi

import (
	"net/http"
	"strconv"

	"github.com/hazyhaar/arkiv/routing"
)

func (s *Server) handleRoutingSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sum, err := s.d.Decisions.Summary(r.Context(), routing.SummaryFilter{
		Days:     atoiDefault(q.Get("days"), 0),
		DocType:  q.Get("doc_type"),
		Severity: q.Get("severity"),
		Operator: q.Get("operator"),
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleRoutingRecent(w http.ResponseWriter, r *http.Request) {
	out, err := s.d.Decisions.Recent(r.Context(), atoiDefault(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": out})
}

func (s *Server) handleRoutingTrends(w http.ResponseWriter, r *http.Request) {
	out, err := s.d.Decisions.Trends(r.Context(), atoiDefault(r.URL.Query().Get("days"), 30))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trends": out})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
