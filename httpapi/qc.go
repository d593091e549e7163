package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/arkiv/authz"
	"github.com/hazyhaar/arkiv/qcqueue"
)

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Queue.Stats())
}

func (s *Server) handleQueuePending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks := s.d.Queue.Pending(q.Get("severity"), atoiDefault(q.Get("limit"), 50))
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleTaskNext(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	task, err := s.d.Queue.NextTask(user.Username)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if task == nil {
		writeJSON(w, http.StatusOK, map[string]any{"task": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handleTaskSubmit(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	taskID := chi.URLParam(r, "id")

	var v qcqueue.Verdict
	if err := decode(r, &v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed verdict body")
		return
	}
	if v.Action == "" {
		if v.Approved {
			v.Action = qcqueue.ActionApprove
		} else {
			v.Action = qcqueue.ActionReject
		}
	}

	task, res, err := s.d.Pipeline.Complete(r.Context(), taskID, user.Username, v)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.audit(r, &authz.AuditEvent{
		Action:       authz.ActionEdit,
		ResourceType: "qc_task",
		ResourceID:   taskID,
		Allowed:      true,
		Metadata:     map[string]string{"action": v.Action, "page_id": task.PageID},
	})

	out := map[string]any{"task": task}
	if res != nil && res.Archived != nil {
		out["archived"] = res.Archived
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTaskRelease(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	taskID := chi.URLParam(r, "id")

	task, err := s.d.Queue.Submit(taskID, user.Username, qcqueue.Verdict{Action: qcqueue.ActionRelease})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

// handleQCImage serves a staged or archived page image. Archived pages are
// policy-gated through their index entry; staging images require the
// operator or admin role.
func (s *Server) handleQCImage(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	key := chi.URLParam(r, "*")
	if key == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing image path")
		return
	}

	if entry, err := s.entryForImageKey(r, key); err == nil {
		if !s.allowDocument(w, r, user, entry, authz.ActionView) {
			return
		}
	} else if !user.HasRole(authz.RoleOperator) && !user.HasRole(authz.RoleAdmin) {
		s.audit(r, &authz.AuditEvent{
			Action: authz.ActionView, ResourceType: "image", ResourceID: key, Allowed: false,
		})
		writeError(w, http.StatusForbidden, "policy_denied", "operator role required")
		return
	}

	data, meta, err := s.d.Organizer.Store().Get(r.Context(), key, "")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.audit(r, &authz.AuditEvent{
		Action: authz.ActionView, ResourceType: "image", ResourceID: key, Allowed: true,
	})
	ct := meta["content_type"]
	if ct == "" {
		ct = "image/png"
		if strings.HasSuffix(key, ".jpg") || strings.HasSuffix(key, ".jpeg") {
			ct = "image/jpeg"
		}
	}
	w.Header().Set("Content-Type", ct)
	w.Write(data)
}

func (s *Server) handleFeedbackStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.d.Feedback.Aggregate()
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleOperatorStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.d.Feedback.ForOperator(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
