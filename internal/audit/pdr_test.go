package audit

import (
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/fentz26/courier/internal/models"
	"github.com/fentz26/courier/internal/store"
)

func TestRecord(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	w := NewPDRWriter(s)
	inputs := map[string]interface{}{"worker_id": "w1", "lane": "priority"}

	a, err := w.Record("work.dispatch", inputs, "success", "item-1", "")
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	b, err := w.Record("work.dispatch", inputs, "success", "item-2", "")
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if a.InputsHash != b.InputsHash {
		t.Error("Identical inputs should hash identically")
	}
	if len(a.InputsHash) != 64 {
		t.Errorf("Expected hex sha256, got %q", a.InputsHash)
	}
}

func TestFingerprintUnmarshalable(t *testing.T) {
	if got := fingerprint(make(chan int)); got != "hash_error" {
		t.Errorf("Expected hash_error, got %s", got)
	}
}

type captureSink struct {
	entries []models.PDREntry
}

func (c *captureSink) WritePDR(action, inputsHash, outcome, subjectID, details string) (*models.PDREntry, error) {
	e := models.PDREntry{Action: action, InputsHash: inputsHash, Outcome: outcome, SubjectID: subjectID, Details: details}
	c.entries = append(c.entries, e)
	return &e, nil
}

func TestRecordTruncatesDetails(t *testing.T) {
	sink := &captureSink{}
	w := NewPDRWriter(sink)

	long := strings.Repeat("x", 2*maxDetails)
	e, err := w.Record("worker.restart", nil, "success", "w1", long)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if len(e.Details) != maxDetails || !strings.HasSuffix(e.Details, "...") {
		t.Errorf("details not truncated: len %d", len(e.Details))
	}
	if len(sink.entries) != 1 || sink.entries[0].SubjectID != "w1" {
		t.Errorf("unexpected sink entries %+v", sink.entries)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	// "é" is two bytes; 4 of them fill 8 bytes, so a cut at 7 lands mid-rune.
	s := strings.Repeat("é", 6)
	got := truncate(s, 10)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
	if got != "ééé..." {
		t.Errorf("truncate = %q, want %q", got, "ééé...")
	}
	if len(got) > 10 {
		t.Errorf("truncate exceeded limit: %d bytes", len(got))
	}

	if got := truncate("short", 10); got != "short" {
		t.Errorf("short strings must pass through, got %q", got)
	}
}

func TestRecordTruncatesMultibyteDetails(t *testing.T) {
	sink := &captureSink{}
	w := NewPDRWriter(sink)

	e, err := w.Record("partner.grant", nil, "success", "1", strings.Repeat("ü", maxDetails))
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if !utf8.ValidString(e.Details) || len(e.Details) > maxDetails {
		t.Errorf("details invalid or too long: %d bytes, valid=%v", len(e.Details), utf8.ValidString(e.Details))
	}
}
