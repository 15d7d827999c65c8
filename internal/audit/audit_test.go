package audit

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndList(t *testing.T) {
	l := openTestLog(t)

	l.RecordRefresh("org-1", 3, 12, 150*time.Millisecond, nil)
	l.RecordPush("org-1", 2, 40*time.Millisecond, nil)
	l.RecordRefresh("org-2", 1, 1, 10*time.Millisecond, errors.New("network down"))

	entries, err := l.List(ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	// Newest first.
	if entries[0].Operation != "refresh" || entries[0].OrgID != "org-2" {
		t.Fatalf("head entry = %+v, want the org-2 refresh", entries[0])
	}
	if entries[0].Outcome != "network down" {
		t.Fatalf("outcome = %q, want the error text", entries[0].Outcome)
	}
	if entries[2].Rulesets != 3 || entries[2].Rules != 12 {
		t.Fatalf("refresh counters = %d/%d, want 3/12", entries[2].Rulesets, entries[2].Rules)
	}
}

func TestListFilters(t *testing.T) {
	l := openTestLog(t)
	l.RecordRefresh("org-1", 1, 1, time.Millisecond, nil)
	l.RecordPush("org-1", 1, time.Millisecond, nil)
	l.RecordPush("org-2", 1, time.Millisecond, nil)

	byOrg, err := l.List(ListFilter{OrgID: "org-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byOrg) != 2 {
		t.Fatalf("org-1 entries = %d, want 2", len(byOrg))
	}

	byOp, err := l.List(ListFilter{OrgID: "org-1", Operation: "push"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byOp) != 1 || byOp[0].Operation != "push" {
		t.Fatalf("filtered entries = %+v", byOp)
	}

	limited, err := l.List(ListFilter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Fatalf("limited entries = %d, want 1", len(limited))
	}
}

func TestRetentionPrunesOldest(t *testing.T) {
	l := openTestLog(t)
	l.retain = 5
	for i := 0; i < 8; i++ {
		l.RecordPush("org-1", i, time.Millisecond, nil)
	}

	entries, err := l.List(ListFilter{Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Fatalf("entries = %d, want retention cap of 5", len(entries))
	}
	// The survivors are the most recent runs.
	if entries[0].Rulesets != 7 || entries[4].Rulesets != 3 {
		t.Fatalf("unexpected survivors: %+v", entries)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	l1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	l1.RecordPush("org-1", 1, time.Millisecond, nil)
	l1.Close()

	// Reopening migrates to no change and sees the prior rows.
	l2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()
	entries, err := l2.List(ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries after reopen = %d, want 1", len(entries))
	}
}
