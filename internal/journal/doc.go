// Package journal records task execution outcomes.
//
// It keeps a bounded in-memory ring for quick inspection and can mirror
// entries into an optional persistent store (JSON Lines file or SQLite).
package journal
