// Package entry defines the immutable audit log entry and its encoding.
//
// An entry is constructed once from caller-supplied level, message and
// metadata; derived fields (id, timestamp, origin) are filled in at
// construction time and never change afterwards.
package entry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEntry is returned when an entry cannot be constructed from the
// caller's input (unknown level or unserializable metadata).
var ErrInvalidEntry = errors.New("invalid log entry")

// Level classifies an audit event.
type Level string

const (
	Info     Level = "INFO"
	Warn     Level = "WARN"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
	Audit    Level = "AUDIT"
	Security Level = "SECURITY"
	Revenue  Level = "REVENUE"
	System   Level = "SYSTEM"
)

// Levels lists every recognized level.
var Levels = []Level{Info, Warn, Error, Critical, Audit, Security, Revenue, System}

// ParseLevel converts a string into a Level, or fails with ErrInvalidEntry.
func ParseLevel(s string) (Level, error) {
	for _, l := range Levels {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("%w: unknown level %q", ErrInvalidEntry, s)
}

// LogEntry is a single audit record. Fields are fixed at construction.
type LogEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Hostname  string         `json:"hostname"`
	PID       int            `json:"pid"`
}

// New builds a LogEntry with a generated id, UTC timestamp and the origin
// of the calling process. Metadata values must be JSON-serializable.
func New(level Level, message string, metadata map[string]any) (*LogEntry, error) {
	if _, err := ParseLevel(string(level)); err != nil {
		return nil, err
	}
	if metadata != nil {
		if _, err := json.Marshal(metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata not serializable: %v", ErrInvalidEntry, err)
		}
	}

	hostname, _ := os.Hostname()
	return &LogEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Metadata:  metadata,
		Hostname:  hostname,
		PID:       os.Getpid(),
	}, nil
}

// Encode serializes the entry to its canonical JSON form.
func (e *LogEntry) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	return data, nil
}

// Decode parses an entry from its canonical JSON form.
func Decode(data []byte) (*LogEntry, error) {
	var e LogEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &e, nil
}
