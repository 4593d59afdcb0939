// Package eventlog implements the append-only event store: newline-framed
// JSON records in size-rotated segment files. The log is the single source
// of truth for history; entity state is rebuilt from it after a crash.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"otto/internal/domain"
	otterrors "otto/internal/errors"
	"otto/internal/ident"
	"otto/internal/logging"
)

const segmentPattern = "%05d.jsonl"

// Options tunes the store. Zero values fall back to defaults.
type Options struct {
	// SegmentMaxBytes triggers rotation when the active segment grows past it.
	SegmentMaxBytes int64
	// Sync forces an fsync after every append. On by default; tests turn it
	// off to keep property runs fast.
	NoSync bool
	// Redactor scrubs every payload at the append boundary. Nothing reaches
	// disk, subscribers or replay unredacted when it is set.
	Redactor Redactor
	Logger   logging.Logger
}

// Redactor strips secret material from a payload. The store hands it plain
// JSON values only.
type Redactor interface {
	Payload(payload map[string]any) map[string]any
}

// Store is the append-only event log. Appends are serialized by a mutex and
// durable before returning. Readers tolerate a torn final line by checking
// each record's CRC.
type Store struct {
	dir  string
	opts Options

	mu      sync.Mutex
	file    *os.File
	segment int
	size    int64

	subMu   sync.Mutex
	subs    map[int]chan *domain.Event
	nextSub int
}

// Filter narrows Tail and Replay results. Zero fields match everything.
type Filter struct {
	Act     string
	TraceID string
	ConvID  string
	Since   time.Time
	Until   time.Time
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(e *domain.Event) bool {
	if f.Act != "" && e.Act != f.Act {
		return false
	}
	if f.TraceID != "" && e.TraceID != f.TraceID {
		return false
	}
	if f.ConvID != "" && e.ConvID != f.ConvID {
		return false
	}
	if !f.Since.IsZero() && e.TS.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.TS.After(f.Until) {
		return false
	}
	return true
}

// Open creates or reopens the store rooted at dir. The newest existing
// segment is reopened for append; a fresh directory starts at segment 1.
func Open(dir string, opts Options) (*Store, error) {
	if opts.SegmentMaxBytes <= 0 {
		opts.SegmentMaxBytes = 4 << 20
	}
	opts.Logger = logging.OrNop(opts.Logger)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, otterrors.StorageUnavailable("eventlog.open", err)
	}

	s := &Store{dir: dir, opts: opts, segment: 1}
	segments, err := s.listSegments()
	if err != nil {
		return nil, err
	}
	if len(segments) > 0 {
		s.segment = segments[len(segments)-1]
	}

	path := s.segmentPath(s.segment)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, otterrors.StorageUnavailable("eventlog.open", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, otterrors.StorageUnavailable("eventlog.open", err)
	}
	s.file = file
	s.size = info.Size()

	// A restart within the same KSUID second could otherwise mint an id below
	// the last one persisted, breaking replay-from-checkpoint.
	if tail, err := s.Tail(1, Filter{}); err == nil && len(tail) == 1 {
		ident.BumpEventFloor(tail[0].ID)
	}
	return s, nil
}

// Close releases the active segment.
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

// Append writes one event and makes it durable before returning. The event's
// ID and TS are assigned here when unset so ids stay monotonic with append
// order. The payload passes through the configured redactor first; typed
// payload values are flattened to plain JSON so nested strings are reachable.
func (s *Store) Append(event *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return otterrors.StorageUnavailable("eventlog.append", fmt.Errorf("store closed"))
	}
	if event.ID == "" {
		event.ID = ident.NewEventID()
	}
	if event.TS.IsZero() {
		event.TS = time.Now().UTC()
	}
	if s.opts.Redactor != nil && event.Payload != nil {
		payload, err := plainPayload(event.Payload)
		if err != nil {
			return otterrors.NotSerializable("event payload")
		}
		event.Payload = s.opts.Redactor.Payload(payload)
	}
	event.CRC = checksum(event)

	line, err := json.Marshal(event)
	if err != nil {
		return otterrors.NotSerializable("event payload")
	}
	line = append(line, '\n')

	if s.size+int64(len(line)) > s.opts.SegmentMaxBytes && s.size > 0 {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := s.file.Write(line)
	s.size += int64(n)
	if err != nil {
		return otterrors.StorageUnavailable("eventlog.append", err)
	}
	if !s.opts.NoSync {
		if err := s.file.Sync(); err != nil {
			return otterrors.StorageUnavailable("eventlog.append", err)
		}
	}
	s.notify(event)
	return nil
}

// Subscribe returns a channel of future appends for live tails. A subscriber
// that falls behind its buffer loses events rather than blocking appends;
// live tails are best-effort, the log itself is the record. The returned
// cancel must be called to release the subscription.
func (s *Store) Subscribe(buffer int) (<-chan *domain.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *domain.Event, buffer)

	s.subMu.Lock()
	if s.subs == nil {
		s.subs = map[int]chan *domain.Event{}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.subMu.Unlock()
	}
}

func (s *Store) notify(event *domain.Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Rotate closes the active segment and starts the next one. Rotation is
// atomic with respect to readers: segments are only ever appended to or
// complete.
func (s *Store) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

func (s *Store) rotateLocked() error {
	if s.file != nil {
		if !s.opts.NoSync {
			_ = s.file.Sync()
		}
		if err := s.file.Close(); err != nil {
			return otterrors.StorageUnavailable("eventlog.rotate", err)
		}
	}
	s.segment++
	file, err := os.OpenFile(s.segmentPath(s.segment), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return otterrors.StorageUnavailable("eventlog.rotate", err)
	}
	s.file = file
	s.size = 0
	s.opts.Logger.Debug("rotated event log to segment %05d", s.segment)
	return nil
}

// Tail returns up to limit events matching filter, newest first. It walks
// segments from newest to oldest and stops as soon as limit is reached.
func (s *Store) Tail(limit int, filter Filter) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	segments, err := s.listSegments()
	if err != nil {
		return nil, err
	}

	var out []*domain.Event
	for i := len(segments) - 1; i >= 0 && len(out) < limit; i-- {
		events, err := s.readSegment(segments[i])
		if err != nil {
			return nil, err
		}
		for j := len(events) - 1; j >= 0 && len(out) < limit; j-- {
			if filter.Matches(events[j]) {
				out = append(out, events[j])
			}
		}
	}
	return out, nil
}

// Replay streams every event with ID > fromID in append order. An empty
// fromID replays everything. The callback returning an error stops the scan.
func (s *Store) Replay(fromID string, fn func(*domain.Event) error) error {
	segments, err := s.listSegments()
	if err != nil {
		return err
	}
	for _, seg := range segments {
		events, err := s.readSegment(seg)
		if err != nil {
			return err
		}
		for _, e := range events {
			if fromID != "" && e.ID <= fromID {
				continue
			}
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// LastID returns the id of the newest event, or "" for an empty log.
func (s *Store) LastID() (string, error) {
	tail, err := s.Tail(1, Filter{})
	if err != nil {
		return "", err
	}
	if len(tail) == 0 {
		return "", nil
	}
	return tail[0].ID, nil
}

func (s *Store) segmentPath(n int) string {
	return filepath.Join(s.dir, fmt.Sprintf(segmentPattern, n))
}

func (s *Store) listSegments() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, otterrors.StorageUnavailable("eventlog.list", err)
	}
	var segments []int
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(name, segmentPattern, &n); err == nil {
			segments = append(segments, n)
		}
	}
	sort.Ints(segments)
	return segments, nil
}

// readSegment parses one segment, discarding any record whose CRC does not
// match. A torn final line from a crashed append is dropped silently; a bad
// record in the middle is logged and skipped.
func (s *Store) readSegment(n int) ([]*domain.Event, error) {
	file, err := os.Open(s.segmentPath(n))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, otterrors.StorageUnavailable("eventlog.read", err)
	}
	defer file.Close()

	var events []*domain.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 8<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var event domain.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			s.opts.Logger.Warn("segment %05d line %d: unparseable record dropped", n, line)
			continue
		}
		if event.CRC != "" && event.CRC != checksum(&event) {
			s.opts.Logger.Warn("segment %05d line %d: checksum mismatch, record dropped", n, line)
			continue
		}
		events = append(events, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, otterrors.StorageUnavailable("eventlog.read", err)
	}
	return events, nil
}

// plainPayload flattens typed payload values into plain JSON maps so the
// redactor can walk nested strings.
func plainPayload(payload map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// checksum covers the fields that identify a record. The payload is included
// through its canonical JSON encoding so replay detects torn writes inside
// the payload too.
func checksum(e *domain.Event) string {
	h := crc32.NewIEEE()
	h.Write([]byte(e.ID))
	h.Write([]byte(e.TS.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(e.Actor))
	h.Write([]byte(e.Act))
	h.Write([]byte(e.TraceID))
	h.Write([]byte(e.ConvID))
	if len(e.Payload) > 0 {
		if raw, err := json.Marshal(canonicalPayload(e.Payload)); err == nil {
			h.Write(raw)
		}
	}
	return fmt.Sprintf("%08x", h.Sum32())
}

// canonicalPayload round-trips the payload through JSON so a freshly built
// map and one decoded from disk hash identically (numbers become float64).
func canonicalPayload(payload map[string]any) map[string]any {
	raw, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return payload
	}
	return out
}
