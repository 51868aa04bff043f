package journal

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("journal disabled")

// Config configures journal persistence.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", persistence is disabled and entries live
// only in the recorder's memory ring.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Keep        int           // entries retained by the store; 0 means default
	Ring        int           // in-memory ring size; 0 means default
}

// Entry records one task execution event.
// Keep it compact and schema-stable.
type Entry struct {
	ID          string    `json:"id"`
	At          time.Time `json:"at"`
	Task        string    `json:"task"`
	Seq         uint64    `json:"seq,omitempty"`
	Event       string    `json:"event"`
	Theoretical int64     `json:"theoretical_ns"`
	Actual      int64     `json:"actual_ns,omitempty"`
	TookMS      int64     `json:"took_ms,omitempty"`
	Error       string    `json:"err,omitempty"`
}
