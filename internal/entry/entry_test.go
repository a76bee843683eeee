package entry_test

import (
	"errors"
	"testing"

	"github.com/chaintrail/chaintrail/internal/entry"
)

func TestNew_fieldsPopulated(t *testing.T) {
	e, err := entry.New(entry.Audit, "user login", map[string]any{"userId": "user123"})
	if err != nil {
		t.Fatal(err)
	}
	if e.ID == "" {
		t.Error("expected generated id")
	}
	if e.Timestamp.IsZero() {
		t.Error("expected timestamp")
	}
	if e.Timestamp.Location() != e.Timestamp.UTC().Location() {
		t.Error("timestamp must be UTC")
	}
	if e.Level != entry.Audit {
		t.Errorf("level: got %q, want AUDIT", e.Level)
	}
	if e.PID == 0 {
		t.Error("expected origin pid")
	}
}

func TestNew_uniqueIDs(t *testing.T) {
	a, _ := entry.New(entry.Info, "one", nil)
	b, _ := entry.New(entry.Info, "two", nil)
	if a.ID == b.ID {
		t.Errorf("entries share id %q", a.ID)
	}
}

func TestNew_rejectsUnknownLevel(t *testing.T) {
	_, err := entry.New(entry.Level("DEBUG"), "nope", nil)
	if !errors.Is(err, entry.ErrInvalidEntry) {
		t.Errorf("expected ErrInvalidEntry, got %v", err)
	}
}

func TestNew_rejectsUnserializableMetadata(t *testing.T) {
	_, err := entry.New(entry.Info, "nope", map[string]any{"fn": func() {}})
	if !errors.Is(err, entry.ErrInvalidEntry) {
		t.Errorf("expected ErrInvalidEntry, got %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	for _, l := range entry.Levels {
		got, err := entry.ParseLevel(string(l))
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", l, err)
		}
		if got != l {
			t.Errorf("ParseLevel(%q) = %q", l, got)
		}
	}
	if _, err := entry.ParseLevel("TRACE"); !errors.Is(err, entry.ErrInvalidEntry) {
		t.Errorf("expected ErrInvalidEntry for TRACE, got %v", err)
	}
}

func TestEncodeDecode_roundTrip(t *testing.T) {
	e, err := entry.New(entry.Revenue, "payment received", map[string]any{
		"amount":   1000.0,
		"currency": "USD",
		"nested":   map[string]any{"invoice": "inv-42"},
	})
	if err != nil {
		t.Fatal(err)
	}

	data, err := e.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := entry.Decode(data)
	if err != nil {
		t.Fatal(err)
	}

	if got.ID != e.ID || got.Message != e.Message || got.Level != e.Level {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, e)
	}
	if !got.Timestamp.Equal(e.Timestamp) {
		t.Errorf("timestamp: got %v, want %v", got.Timestamp, e.Timestamp)
	}
	if got.Metadata["currency"] != "USD" {
		t.Errorf("metadata lost: %+v", got.Metadata)
	}
}
