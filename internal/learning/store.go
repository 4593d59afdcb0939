// Package learning keeps the observations the system accumulates about its
// own work. Records live in an append-only JSONL file; the latest record
// per id wins on load. Confidence decays linearly with time since last use
// and is reinforced when an observation proves useful again; observations
// that decay below the floor are garbage collected.
package learning

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"otto/internal/domain"
	otterrors "otto/internal/errors"
	"otto/internal/ident"
	"otto/internal/logging"
)

// SemanticIndex is the optional vector recall backend. Query falls back to
// it when tag overlap finds nothing.
type SemanticIndex interface {
	Index(ctx context.Context, learning *domain.Learning) error
	Search(ctx context.Context, text string, topK int) ([]string, error)
}

// Options tunes decay and recall. Zero values fall back to defaults.
type Options struct {
	DecayPerDay   float64
	ReinforceStep float64
	Floor         float64
	MemoSize      int
	Semantic      SemanticIndex
	Logger        logging.Logger

	// now is swapped by tests to control decay.
	now func() time.Time
}

func (o *Options) fill() {
	if o.DecayPerDay <= 0 {
		o.DecayPerDay = 0.02
	}
	if o.ReinforceStep <= 0 {
		o.ReinforceStep = 0.05
	}
	if o.Floor <= 0 {
		o.Floor = 0.1
	}
	if o.MemoSize <= 0 {
		o.MemoSize = 128
	}
	if o.now == nil {
		o.now = time.Now
	}
	o.Logger = logging.OrNop(o.Logger)
}

// Store is the learning store. Reads are frequent (every task enqueue);
// writes go through a single mutex-serialized path.
type Store struct {
	path string
	opts Options

	mu    sync.RWMutex
	items map[string]*domain.Learning
	file  *os.File
	// gen invalidates the memo: it is part of every cache key, so stale
	// entries age out of the LRU instead of being purged.
	gen  uint64
	memo *lru.Cache[string, []string]
}

// Open loads learnings.jsonl at path, dropping records that have already
// decayed below the floor.
func Open(path string, opts Options) (*Store, error) {
	opts.fill()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, otterrors.StorageUnavailable("learning.open", err)
	}

	memo, err := lru.New[string, []string](opts.MemoSize)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, opts: opts, items: map[string]*domain.Learning{}, memo: memo}

	if err := s.load(); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, otterrors.StorageUnavailable("learning.open", err)
	}
	s.file = file
	return s, nil
}

func (s *Store) load() error {
	file, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return otterrors.StorageUnavailable("learning.load", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var learning domain.Learning
		if err := json.Unmarshal([]byte(text), &learning); err != nil {
			s.opts.Logger.Warn("learning store: skipping bad record at %s:%d: %v", s.path, line, err)
			continue
		}
		// Last write wins; decayed-out records are dropped here.
		if s.effective(&learning) < s.opts.Floor {
			delete(s.items, learning.ID)
			continue
		}
		s.items[learning.ID] = &learning
	}
	return scanner.Err()
}

// Close releases the backing file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Record appends a new observation. ID and timestamps are assigned when
// absent; confidence is clamped to [0,1].
func (s *Store) Record(ctx context.Context, learning *domain.Learning) (*domain.Learning, error) {
	stored := learning.Clone()
	if stored.ID == "" {
		stored.ID = ident.NewLearningID()
	}
	now := s.opts.now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.LastUsedAt = now
	stored.Confidence = clamp01(stored.Confidence)

	s.mu.Lock()
	if err := s.appendLocked(stored); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.items[stored.ID] = stored
	s.gen++
	s.mu.Unlock()

	if s.opts.Semantic != nil {
		if err := s.opts.Semantic.Index(ctx, stored); err != nil {
			s.opts.Logger.Warn("learning store: semantic index failed for %s: %v", stored.ID, err)
		}
	}
	return stored.Clone(), nil
}

// Reinforce bumps an observation's confidence and refreshes its last-used
// timestamp. The bump applies on top of the decayed value.
func (s *Store) Reinforce(id string) (*domain.Learning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("learning %s not found", id)
	}
	updated := current.Clone()
	updated.Confidence = clamp01(s.effective(current) + s.opts.ReinforceStep)
	updated.LastUsedAt = s.opts.now().UTC()

	if err := s.appendLocked(updated); err != nil {
		return nil, err
	}
	s.items[id] = updated
	s.gen++
	return updated.Clone(), nil
}

// Query returns observations sharing at least one tag, with decayed
// confidence at or above minConfidence, ranked by recency times confidence.
// The returned clones carry the decayed confidence.
func (s *Store) Query(tags []string, minConfidence float64) []*domain.Learning {
	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()

	key := memoKey(gen, tags, minConfidence)
	if ids, ok := s.memo.Get(key); ok {
		return s.resolve(ids)
	}

	s.mu.RLock()
	type scored struct {
		learning *domain.Learning
		score    float64
	}
	now := s.opts.now().UTC()
	var matches []scored
	for _, item := range s.items {
		if !overlaps(item.Tags, tags) {
			continue
		}
		confidence := s.effective(item)
		if confidence < minConfidence || confidence < s.opts.Floor {
			continue
		}
		matches = append(matches, scored{
			learning: item,
			score:    confidence * recency(now, item.LastUsedAt),
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.learning.ID)
	}
	s.memo.Add(key, ids)
	return s.resolve(ids)
}

// QuerySemantic is Query with a vector fallback: when tag overlap yields
// nothing and a semantic index is configured, the query text is searched
// against indexed observations.
func (s *Store) QuerySemantic(ctx context.Context, text string, tags []string, minConfidence float64, topK int) []*domain.Learning {
	if byTags := s.Query(tags, minConfidence); len(byTags) > 0 {
		return byTags
	}
	if s.opts.Semantic == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	ids, err := s.opts.Semantic.Search(ctx, text, topK)
	if err != nil {
		s.opts.Logger.Warn("learning store: semantic search failed: %v", err)
		return nil
	}

	var out []*domain.Learning
	for _, learning := range s.resolve(ids) {
		if learning.Confidence >= minConfidence {
			out = append(out, learning)
		}
	}
	return out
}

// Sweep garbage-collects observations below the floor and compacts the
// backing file so dropped records do not come back on reload.
func (s *Store) Sweep() (removed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, item := range s.items {
		if s.effective(item) < s.opts.Floor {
			delete(s.items, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	s.gen++
	return removed, s.compactLocked()
}

// Len reports live observations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Get returns one observation by id with its decayed confidence.
func (s *Store) Get(id string) (*domain.Learning, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, false
	}
	out := item.Clone()
	out.Confidence = s.effective(item)
	return out, true
}

// effective is the decayed confidence right now.
func (s *Store) effective(learning *domain.Learning) float64 {
	days := s.opts.now().UTC().Sub(learning.LastUsedAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	return clamp01(learning.Confidence - s.opts.DecayPerDay*days)
}

func (s *Store) resolve(ids []string) []*domain.Learning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Learning, 0, len(ids))
	for _, id := range ids {
		if item, ok := s.items[id]; ok {
			clone := item.Clone()
			clone.Confidence = s.effective(item)
			out = append(out, clone)
		}
	}
	return out
}

func (s *Store) appendLocked(learning *domain.Learning) error {
	data, err := json.Marshal(learning)
	if err != nil {
		return otterrors.Wrap(otterrors.KindNotSerializable, "learning.append", err)
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return otterrors.StorageUnavailable("learning.append", err)
	}
	return nil
}

func (s *Store) compactLocked() error {
	tmp := s.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return otterrors.StorageUnavailable("learning.compact", err)
	}
	writer := bufio.NewWriter(file)
	for _, item := range s.items {
		data, err := json.Marshal(item)
		if err != nil {
			file.Close()
			return otterrors.Wrap(otterrors.KindNotSerializable, "learning.compact", err)
		}
		writer.Write(append(data, '\n'))
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		return otterrors.StorageUnavailable("learning.compact", err)
	}
	if err := file.Close(); err != nil {
		return otterrors.StorageUnavailable("learning.compact", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return otterrors.StorageUnavailable("learning.compact", err)
	}

	if s.file != nil {
		s.file.Close()
	}
	reopened, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return otterrors.StorageUnavailable("learning.compact", err)
	}
	s.file = reopened
	return nil
}

func memoKey(gen uint64, tags []string, minConfidence float64) string {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return fmt.Sprintf("%d|%s|%.4f", gen, strings.Join(sorted, ","), minConfidence)
}

func overlaps(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// recency maps age since last use onto (0,1]; an observation used today
// scores 1, one used ten days ago about 0.09.
func recency(now, lastUsed time.Time) float64 {
	days := now.Sub(lastUsed).Hours() / 24
	if days < 0 {
		days = 0
	}
	return 1 / (1 + days)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
