package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "taskhive/pkg/logx"
)

// fileStore is a dependency-free backend: an append-only JSON Lines file plus
// an in-memory ring of the newest records. The file is compacted back down to
// the ring whenever it grows well past the configured limit.
type fileStore struct {
	log   logx.Logger
	path  string
	limit int

	mu     sync.Mutex
	f      *os.File
	ring   []RunRecord // oldest first
	writes int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history path is required for file driver")
	}
	if filepath.Ext(path) == "" {
		path += ".runs.jsonl"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path, limit: cfg.limit()}
	if err := s.replay(); err != nil {
		log.Warn("history replay failed; starting empty", logx.String("path", path), logx.Err(err))
		s.ring = nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

// replay loads the tail of the existing file into the ring. Corrupt lines are
// skipped so one torn write doesn't discard the whole history.
func (s *fileStore) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec RunRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		s.pushLocked(rec)
	}
	return sc.Err()
}

func (s *fileStore) pushLocked(rec RunRecord) {
	s.ring = append(s.ring, rec)
	if len(s.ring) > s.limit {
		s.ring = s.ring[len(s.ring)-s.limit:]
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) Append(_ context.Context, rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("history file closed")
	}
	if err := json.NewEncoder(s.f).Encode(rec); err != nil {
		return err
	}
	s.pushLocked(rec)

	s.writes++
	if s.writes >= s.limit*10 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("history compact failed", logx.Err(err))
		}
		s.writes = 0
	}
	return nil
}

func (s *fileStore) Recent(_ context.Context, task string, limit int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	out := make([]RunRecord, 0, limit)
	for i := len(s.ring) - 1; i >= 0 && len(out) < limit; i-- {
		if task != "" && s.ring[i].Task != task {
			continue
		}
		out = append(out, s.ring[i])
	}
	return out, nil
}

// compactLocked rewrites the file to hold only the ring, via tmp + rename.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, rec := range s.ring {
		if err := enc.Encode(rec); err != nil {
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

	old := s.f
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.f = nf
	if old != nil {
		_ = old.Close()
	}
	return nil
}
