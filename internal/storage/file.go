package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"buildorch/internal/model"
	"buildorch/pkg/logx"
)

// maxFileBuilds bounds the builds the file backend keeps indexed in
// memory; older ones stay in the file but are no longer served.
const maxFileBuilds = 10000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.builds.jsonl        (append-only, last record per id wins)
//   - <prefix>.dedup.snapshot.json (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	buildsFile *os.File
	builds     map[int64]*model.Build
	order      []int64 // ascending ids present in builds

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli

	dedupWrites int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	buildsPath := prefix + ".builds.jsonl"
	snapPath := prefix + ".dedup.snapshot.json"
	journalPath := prefix + ".dedup.journal.jsonl"

	st := &fileStore{
		log:               log,
		builds:            map[int64]*model.Build{},
		dedupSnapshotPath: snapPath,
		dedup:             map[string]int64{},
	}
	if err := st.loadBuilds(buildsPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("build history partially loaded", logx.String("path", buildsPath), logx.Err(err))
	}
	_ = loadDedupSnapshot(snapPath, st.dedup)
	_ = replayDedupJournal(journalPath, st.dedup)
	pruneExpiredDedup(st.dedup)

	bf, err := os.OpenFile(buildsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = bf.Close()
		return nil, err
	}
	st.buildsFile = bf
	st.dedupJournalFile = jf
	return st, nil
}

func (s *fileStore) loadBuilds(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var b model.Build
		if err := json.Unmarshal(sc.Bytes(), &b); err != nil || b.ID == 0 {
			continue
		}
		s.indexLocked(&b)
	}
	return sc.Err()
}

func (s *fileStore) indexLocked(b *model.Build) {
	if _, ok := s.builds[b.ID]; !ok {
		i := sort.Search(len(s.order), func(i int) bool { return s.order[i] >= b.ID })
		s.order = append(s.order, 0)
		copy(s.order[i+1:], s.order[i:])
		s.order[i] = b.ID
	}
	s.builds[b.ID] = b
	for len(s.order) > maxFileBuilds {
		delete(s.builds, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.buildsFile != nil {
		err1 = s.buildsFile.Close()
		s.buildsFile = nil
	}
	if s.dedupJournalFile != nil {
		err2 = s.dedupJournalFile.Close()
		s.dedupJournalFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) SaveBuild(_ context.Context, b *model.Build) error {
	cp := b.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buildsFile == nil {
		return errors.New("builds file closed")
	}
	if err := json.NewEncoder(s.buildsFile).Encode(cp); err != nil {
		return err
	}
	s.indexLocked(cp)
	return nil
}

func (s *fileStore) ListBuilds(_ context.Context, builder string, limit int) ([]*model.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Build
	for i := len(s.order) - 1; i >= 0; i-- {
		b := s.builds[s.order[i]]
		if builder != "" && b.Builder != builder {
			continue
		}
		out = append(out, b.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fileStore) GetBuild(_ context.Context, id int64) (*model.Build, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return nil, false, nil
	}
	return b.Clone(), true, nil
}

func (s *fileStore) Counters(context.Context) (int64, map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last int64
	numbers := map[string]int{}
	for id, b := range s.builds {
		last = max(last, id)
		numbers[b.Builder] = max(numbers[b.Builder], b.Number)
	}
	return last, numbers, nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	s.dedup[key] = ms

	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup)

	tmp := s.dedupSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.dedup); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupSnapshotPath); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournalFile.Seek(0, 2)
	return err
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return s.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
