package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "chrono/pkg/logx"
)

const (
	defaultKeep  = 10000
	compactEvery = 1000
)

// fileStore is a dependency-free persistence backend.
//
// It appends entries to <prefix>.journal.jsonl and periodically rewrites
// the file down to the newest Keep entries.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	path string
	file *os.File
	keep int

	writes int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("journal.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	jsonlPath := filepath.Join(dir, base) + ".journal.jsonl"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(jsonlPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	keep := cfg.Keep
	if keep <= 0 {
		keep = defaultKeep
	}
	return &fileStore{
		log:  log,
		path: jsonlPath,
		file: f,
		keep: keep,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *fileStore) Append(ctx context.Context, e Entry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("journal file closed")
	}
	if err := json.NewEncoder(s.file).Encode(e); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort retention pass.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	_ = ctx
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tail, err := readTail(s.path, limit)
	if err != nil {
		return nil, err
	}
	// Newest first.
	for i, j := 0, len(tail)-1; i < j; i, j = i+1, j-1 {
		tail[i], tail[j] = tail[j], tail[i]
	}
	return tail, nil
}

// compactLocked rewrites the file keeping only the newest entries, then
// swaps the append handle over to the new inode.
func (s *fileStore) compactLocked() error {
	tail, err := readTail(s.path, s.keep)
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, e := range tail {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	old := s.file
	s.file = nf
	return old.Close()
}

// readTail returns the last n decodable entries of a JSON Lines file.
// A missing file is an empty journal, not an error.
func readTail(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	buf := make([]Entry, n)
	total := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// Torn or foreign line, skip it.
			continue
		}
		buf[total%n] = e
		total++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if total <= n {
		return buf[:total], nil
	}
	out := make([]Entry, 0, n)
	for i := total - n; i < total; i++ {
		out = append(out, buf[i%n])
	}
	return out, nil
}
