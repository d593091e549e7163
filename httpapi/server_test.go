package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/arkiv/archive"
	"github.com/hazyhaar/arkiv/authz"
	"github.com/hazyhaar/arkiv/dbopen"
	"github.com/hazyhaar/arkiv/feedback"
	"github.com/hazyhaar/arkiv/httpapi"
	"github.com/hazyhaar/arkiv/merge"
	"github.com/hazyhaar/arkiv/pipeline"
	"github.com/hazyhaar/arkiv/qcqueue"
	"github.com/hazyhaar/arkiv/routing"
	"github.com/hazyhaar/arkiv/shield"
	"github.com/hazyhaar/arkiv/storage"
)

type testEnv struct {
	srv   *httptest.Server
	users *authz.UserStore
	queue *qcqueue.Queue
	org   *archive.Organizer
}

// newEnv assembles the full stack on temp dirs and in-memory databases.
func newEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	backend, err := storage.NewLocal(filepath.Join(dir, "objects"), 5)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := storage.NewMetaDB(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	store := storage.NewManager(backend, meta, nil, nil)

	index, err := archive.NewIndex(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	org := archive.NewOrganizer(store, index, nil)

	fb, err := feedback.NewLog(filepath.Join(dir, "feedback"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { fb.Close() })
	queue, err := qcqueue.Open(filepath.Join(dir, "qc_queue.jsonl"), fb)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { queue.Close() })

	authDB := dbopen.OpenMemory(t)
	users, err := authz.NewUserStore(authDB)
	if err != nil {
		t.Fatal(err)
	}
	sessions, err := authz.NewSessionStore(authDB, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	audit, err := authz.NewAuditLog(dbopen.OpenMemory(t), 64)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { audit.Close() })

	decisions, err := routing.NewStore(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}

	pipe := pipeline.New(decisions, queue, org, nil, nil)

	s := httpapi.New(httpapi.Deps{
		Users:     users,
		Sessions:  sessions,
		Policy:    authz.DefaultPolicy(),
		Audit:     audit,
		Decisions: decisions,
		Queue:     queue,
		Feedback:  fb,
		Organizer: org,
		Thumbs:    archive.NewThumbnailer(store, index),
		Merger:    merge.NewMerger(store, index, nil),
		Pipeline:  pipe,
		Limiter:   shield.NewRateLimiter(shield.LoginRules("/api/auth/login", 5, 10000, 20000)...),
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, users: users, queue: queue, org: org}
}

func (e *testEnv) createUser(t *testing.T, username string, clearance int, roles ...string) {
	t.Helper()
	_, err := e.users.Create(context.Background(), authz.NewUserParams{
		Username:       username,
		Password:       "correct horse battery",
		Department:     "records",
		ClearanceLevel: clearance,
		Roles:          roles,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) login(t *testing.T, username string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{
		"username": username, "password": "correct horse battery",
	})
	resp, err := http.Post(e.srv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out.Token
}

func (e *testEnv) do(t *testing.T, token, method, path string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestHealthUnauthenticated(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.srv.URL + "/api/archive/stats")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", resp.StatusCode)
	}
}

func TestLoginTokenMe(t *testing.T) {
	e := newEnv(t)
	e.createUser(t, "alice", 2, authz.RoleOperator)
	token := e.login(t, "alice")
	if len(token) < 40 {
		t.Fatalf("token too short: %d chars", len(token))
	}

	var me authz.User
	decodeBody(t, e.do(t, token, http.MethodGet, "/api/auth/me", nil), &me)
	if me.Username != "alice" {
		t.Fatalf("me = %q", me.Username)
	}

	// Logout invalidates the token.
	e.do(t, token, http.MethodPost, "/api/auth/logout", nil).Body.Close()
	resp := e.do(t, token, http.MethodGet, "/api/auth/me", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("after logout status %d, want 401", resp.StatusCode)
	}
}

func TestLoginRateLimit(t *testing.T) {
	e := newEnv(t)
	e.createUser(t, "alice", 1, authz.RoleViewer)

	body, _ := json.Marshal(map[string]string{"username": "alice", "password": "wrong"})
	for i := 0; i < 5; i++ {
		resp, err := http.Post(e.srv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status %d, want 401", i+1, resp.StatusCode)
		}
	}
	resp, err := http.Post(e.srv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("sixth attempt: status %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}

func TestIngestAutoThenSearch(t *testing.T) {
	e := newEnv(t)
	e.createUser(t, "alice", 3, authz.RoleOperator)
	token := e.login(t, "alice")

	sub := pipeline.Submission{
		PageID:  "INV_0001",
		Owner:   "Acme",
		Year:    2024,
		DocType: "invoice",
		BatchID: "b1",
		Image:   testPNG(t),
		OCRText: "Invoice 12345 total $1,500",
		Fields:  map[string]string{"invoice_number": "12345", "amount": "1500.00", "date": "2024-03-01"},
		FieldConfidences: map[string]float64{
			"invoice_number": 0.99, "amount": 0.95, "date": 0.97,
		},
		Classification:  0.96,
		Confidentiality: 0,
	}
	var res pipeline.Result
	decodeBody(t, e.do(t, token, http.MethodPost, "/api/pages/ingest", sub), &res)
	if res.Decision.Severity != routing.SeverityAuto {
		t.Fatalf("severity = %s, want auto", res.Decision.Severity)
	}
	if res.Archived == nil || res.Archived.ImageKey != "acme/2024/invoice/b1/INV_0001.png" {
		t.Fatalf("archived: %+v", res.Archived)
	}

	var found struct {
		Results []archive.Result `json:"results"`
	}
	decodeBody(t, e.do(t, token, http.MethodGet, "/api/archive/search?text=12345", nil), &found)
	if len(found.Results) != 1 || found.Results[0].PageID != "INV_0001" {
		t.Fatalf("search results: %+v", found.Results)
	}
	if found.Results[0].Rank < 0.5 {
		t.Fatalf("rank %f < 0.5", found.Results[0].Rank)
	}
}

func TestQCTaskRoundTrip(t *testing.T) {
	e := newEnv(t)
	e.createUser(t, "alice", 3, authz.RoleOperator)
	token := e.login(t, "alice")

	sub := pipeline.Submission{
		PageID:         "P_77",
		Owner:          "Acme",
		Year:           2024,
		DocType:        "invoice",
		BatchID:        "b2",
		Image:          testPNG(t),
		OCRText:        "blurry scan",
		Classification: 0.62,
	}
	var res pipeline.Result
	decodeBody(t, e.do(t, token, http.MethodPost, "/api/pages/ingest", sub), &res)
	if res.Decision.Severity != routing.SeverityQC || res.TaskID == "" {
		t.Fatalf("ingest: %+v", res)
	}

	var next struct {
		Task *qcqueue.Task `json:"task"`
	}
	decodeBody(t, e.do(t, token, http.MethodGet, "/api/qc/task/next", nil), &next)
	if next.Task == nil || next.Task.TaskID != res.TaskID {
		t.Fatalf("next: %+v", next.Task)
	}
	if next.Task.LockExpiresAt == nil {
		t.Fatal("task not locked")
	}

	verdict := qcqueue.Verdict{
		Approved: true,
		Action:   qcqueue.ActionApprove,
		FieldCorrections: []feedback.FieldCorrection{
			{Field: "amount", Before: "1500", After: "1500.00", OperatorConfidence: 1.0},
		},
		OperatorConfidence: 0.95,
		TimeSpentSeconds:   42,
	}
	var submitted struct {
		Task     *qcqueue.Task         `json:"task"`
		Archived *archive.ArchivedPage `json:"archived"`
	}
	decodeBody(t, e.do(t, token, http.MethodPost, fmt.Sprintf("/api/qc/task/%s/submit", res.TaskID), verdict), &submitted)
	if submitted.Task.Status != qcqueue.StatusCompleted {
		t.Fatalf("status = %s", submitted.Task.Status)
	}
	if submitted.Archived == nil || submitted.Archived.ImageKey != "acme/2024/invoice/b2/P_77.png" {
		t.Fatalf("archived: %+v", submitted.Archived)
	}
}

func TestQCLockConflict(t *testing.T) {
	e := newEnv(t)
	e.createUser(t, "alice", 3, authz.RoleOperator)
	e.createUser(t, "bob", 3, authz.RoleOperator)
	aliceTok := e.login(t, "alice")
	bobTok := e.login(t, "bob")

	var res pipeline.Result
	decodeBody(t, e.do(t, aliceTok, http.MethodPost, "/api/pages/ingest", pipeline.Submission{
		PageID: "P_1", Owner: "Acme", Year: 2024, DocType: "invoice", BatchID: "b1",
		Image: testPNG(t), Classification: 0.5,
	}), &res)

	var next struct {
		Task *qcqueue.Task `json:"task"`
	}
	decodeBody(t, e.do(t, aliceTok, http.MethodGet, "/api/qc/task/next", nil), &next)
	if next.Task == nil {
		t.Fatal("no task for alice")
	}

	// Bob cannot submit a task alice holds.
	resp := e.do(t, bobTok, http.MethodPost, fmt.Sprintf("/api/qc/task/%s/submit", next.Task.TaskID),
		qcqueue.Verdict{Approved: true, Action: qcqueue.ActionApprove})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status %d, want 409", resp.StatusCode)
	}
	var body struct {
		Code string `json:"code"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Code != "lock_conflict" {
		t.Fatalf("code = %q", body.Code)
	}
}

func TestDocumentABAC(t *testing.T) {
	e := newEnv(t)
	e.createUser(t, "ingestor", 3, authz.RoleOperator)
	token := e.login(t, "ingestor")

	// internal (1) page whose OCR carries an SSN escalates to confidential (2).
	var res pipeline.Result
	decodeBody(t, e.do(t, token, http.MethodPost, "/api/pages/ingest", pipeline.Submission{
		PageID: "P_SSN", Owner: "Acme", Year: 2024, DocType: "letter", BatchID: "b1",
		Image: testPNG(t), OCRText: "applicant SSN 123-45-6789",
		Classification: 0.97, Confidentiality: 1,
	}), &res)
	if res.Archived == nil || res.Archived.Confidentiality != 2 {
		t.Fatalf("archived: %+v", res.Archived)
	}

	// Clearance 1 in another department: policy denies.
	e.createUser(t, "lowclear", 1, authz.RoleViewer)
	low := e.login(t, "lowclear")
	resp := e.do(t, low, http.MethodGet, "/api/archive/document/P_SSN", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d, want 403", resp.StatusCode)
	}

	// Clearance 2 reads it.
	e.createUser(t, "cleared", 2, authz.RoleViewer)
	ok := e.login(t, "cleared")
	var entry archive.Entry
	decodeBody(t, e.do(t, ok, http.MethodGet, "/api/archive/document/P_SSN", nil), &entry)
	if entry.Confidentiality != 2 || entry.OriginalConfidentiality != 1 {
		t.Fatalf("entry: %+v", entry)
	}
}

func TestThumbnail(t *testing.T) {
	e := newEnv(t)
	e.createUser(t, "alice", 3, authz.RoleOperator)
	token := e.login(t, "alice")

	var res pipeline.Result
	decodeBody(t, e.do(t, token, http.MethodPost, "/api/pages/ingest", pipeline.Submission{
		PageID: "P_T", Owner: "Acme", Year: 2024, DocType: "memo", BatchID: "b1",
		Image: testPNG(t), Classification: 0.95,
	}), &res)
	if res.Archived == nil {
		t.Fatalf("not archived: %+v", res)
	}

	resp := e.do(t, token, http.MethodGet, "/api/archive/thumbnail/P_T?size=icon", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("content type %q", ct)
	}

	resp2 := e.do(t, token, http.MethodGet, "/api/archive/thumbnail/P_T?size=billboard", nil)
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad size status %d, want 400", resp2.StatusCode)
	}
}

func TestMergeEndpoint(t *testing.T) {
	e := newEnv(t)
	e.createUser(t, "alice", 3, authz.RoleOperator)
	token := e.login(t, "alice")

	for i := 1; i <= 2; i++ {
		var res pipeline.Result
		decodeBody(t, e.do(t, token, http.MethodPost, "/api/pages/ingest", pipeline.Submission{
			PageID: fmt.Sprintf("P_%02d", i), Owner: "Acme", Year: 2024,
			DocType: "memo", BatchID: "b9",
			Image: testPNG(t), OCRText: "memo text", Classification: 0.95,
		}), &res)
		if res.Archived == nil {
			t.Fatalf("page %d not archived", i)
		}
	}

	var out merge.Result
	decodeBody(t, e.do(t, token, http.MethodPost, "/api/archive/merge",
		map[string]any{"owner": "Acme", "year": 2024, "doc_type": "memo", "batch_id": "b9"}), &out)
	if out.PDFKey != "acme/2024/memo/b9/Memo_b9.pdf" || out.PageCount != 2 {
		t.Fatalf("merge: %+v", out)
	}

	// Unknown batch is 404.
	resp := e.do(t, token, http.MethodPost, "/api/archive/merge",
		map[string]any{"owner": "Acme", "year": 2024, "doc_type": "memo", "batch_id": "nope"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

func TestFacetsAndStats(t *testing.T) {
	e := newEnv(t)
	e.createUser(t, "alice", 3, authz.RoleOperator)
	token := e.login(t, "alice")

	var res pipeline.Result
	decodeBody(t, e.do(t, token, http.MethodPost, "/api/pages/ingest", pipeline.Submission{
		PageID: "P_F", Owner: "Acme", Year: 2024, DocType: "memo", BatchID: "b1",
		Image: testPNG(t), Classification: 0.95,
	}), &res)

	var owners struct {
		Values []string `json:"values"`
	}
	decodeBody(t, e.do(t, token, http.MethodGet, "/api/archive/owners", nil), &owners)
	if len(owners.Values) != 1 || owners.Values[0] != "acme" {
		t.Fatalf("owners: %v", owners.Values)
	}

	var stats archive.Stats
	decodeBody(t, e.do(t, token, http.MethodGet, "/api/archive/stats", nil), &stats)
	if stats.TotalPages != 1 {
		t.Fatalf("stats: %+v", stats)
	}

	var sum routing.Summary
	decodeBody(t, e.do(t, token, http.MethodGet, "/api/routing/summary", nil), &sum)
	if sum.Total != 1 || sum.BySeverity["auto"] != 1 {
		t.Fatalf("summary: %+v", sum)
	}
}
