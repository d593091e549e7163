package routing_test

import (
	"context"
	"testing"

	"github.com/hazyhaar/arkiv/dbopen"
	"github.com/hazyhaar/arkiv/routing"

	_ "modernc.org/sqlite"
)

func newStore(t *testing.T) *routing.Store {
	t.Helper()
	s, err := routing.NewStore(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func record(t *testing.T, s *routing.Store, pageID, docType string, sev routing.Severity, conf float64) {
	t.Helper()
	err := s.Record(context.Background(), routing.Decision{
		PageID: pageID, DocType: docType, Severity: sev,
		Confidence: conf, Reasons: []string{"test"},
	}, "")
	if err != nil {
		t.Fatal(err)
	}
}

func TestStore_Summary(t *testing.T) {
	s := newStore(t)
	record(t, s, "p1", routing.DocInvoice, routing.SeverityAuto, 0.96)
	record(t, s, "p2", routing.DocInvoice, routing.SeverityManual, 0.80)
	record(t, s, "p3", routing.DocContract, routing.SeverityQC, 0.50)

	sum, err := s.Summary(context.Background(), routing.SummaryFilter{Days: 7})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Total != 3 {
		t.Fatalf("total = %d", sum.Total)
	}
	if sum.BySeverity["auto"] != 1 || sum.BySeverity["manual"] != 1 || sum.BySeverity["qc"] != 1 {
		t.Fatalf("by severity: %+v", sum.BySeverity)
	}
	if sum.ByDocType["invoice"] != 2 {
		t.Fatalf("by doc type: %+v", sum.ByDocType)
	}

	sum, err = s.Summary(context.Background(), routing.SummaryFilter{DocType: routing.DocContract})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Total != 1 {
		t.Fatalf("filtered total = %d", sum.Total)
	}
}

func TestStore_Recent(t *testing.T) {
	s := newStore(t)
	record(t, s, "p1", routing.DocForm, routing.SeverityAuto, 0.95)
	record(t, s, "p2", routing.DocForm, routing.SeverityQC, 0.40)

	got, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("recent count = %d", len(got))
	}
	if got[0].PageID != "p2" {
		t.Fatalf("newest first expected, got %q", got[0].PageID)
	}
	if len(got[0].Reasons) != 1 || got[0].Reasons[0] != "test" {
		t.Fatalf("reasons not round-tripped: %v", got[0].Reasons)
	}
}

func TestStore_Trends(t *testing.T) {
	s := newStore(t)
	record(t, s, "p1", routing.DocMemo, routing.SeverityAuto, 0.95)
	record(t, s, "p2", routing.DocMemo, routing.SeverityAuto, 0.95)
	record(t, s, "p3", routing.DocMemo, routing.SeverityManual, 0.80)

	points, err := s.Trends(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 {
		t.Fatalf("expected 1 day, got %d", len(points))
	}
	if points[0].Auto != 2 || points[0].Manual != 1 {
		t.Fatalf("trend point: %+v", points[0])
	}
}
