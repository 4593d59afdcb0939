package learning

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otto/internal/domain"
	otterrors "otto/internal/errors"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func openStore(t *testing.T, clock *fakeClock) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "learnings.jsonl"), Options{
		now: func() time.Time { return clock.now },
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func observation(context, text string, confidence float64, tags ...string) *domain.Learning {
	return &domain.Learning{
		Type:        domain.LearningTaskOutcome,
		Context:     context,
		Observation: text,
		Confidence:  confidence,
		Tags:        tags,
	}
}

func TestRecordAndQueryByTagOverlap(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := openStore(t, clock)

	_, err := store.Record(context.Background(), observation("deploys", "run migrations first", 0.8, "deploy", "db"))
	require.NoError(t, err)
	_, err = store.Record(context.Background(), observation("builds", "cache modules", 0.9, "build"))
	require.NoError(t, err)

	got := store.Query([]string{"deploy"}, 0.6)
	require.Len(t, got, 1)
	assert.Equal(t, "run migrations first", got[0].Observation)

	assert.Empty(t, store.Query([]string{"unknown"}, 0.6))
	assert.Empty(t, store.Query(nil, 0.6))
}

func TestQueryFiltersByMinConfidence(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := openStore(t, clock)

	_, err := store.Record(context.Background(), observation("a", "strong", 0.9, "x"))
	require.NoError(t, err)
	_, err = store.Record(context.Background(), observation("b", "weak", 0.3, "x"))
	require.NoError(t, err)

	got := store.Query([]string{"x"}, 0.6)
	require.Len(t, got, 1)
	assert.Equal(t, "strong", got[0].Observation)
}

func TestConfidenceDecaysPerDay(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := openStore(t, clock)

	recorded, err := store.Record(context.Background(), observation("a", "fact", 0.8, "x"))
	require.NoError(t, err)

	clock.advance(5 * 24 * time.Hour)

	got, ok := store.Get(recorded.ID)
	require.True(t, ok)
	assert.InDelta(t, 0.8-5*0.02, got.Confidence, 1e-9)

	// Decayed below the threshold, no longer returned.
	clock.advance(10 * 24 * time.Hour)
	assert.Empty(t, store.Query([]string{"x"}, 0.6))
}

func TestReinforceBumpsDecayedConfidence(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := openStore(t, clock)

	recorded, err := store.Record(context.Background(), observation("a", "fact", 0.8, "x"))
	require.NoError(t, err)

	clock.advance(5 * 24 * time.Hour)
	updated, err := store.Reinforce(recorded.ID)
	require.NoError(t, err)

	// Bump applies on top of the decayed value, and last use resets decay.
	assert.InDelta(t, 0.8-5*0.02+0.05, updated.Confidence, 1e-9)
	assert.Equal(t, clock.now.UTC(), updated.LastUsedAt)

	_, err = store.Reinforce("missing")
	require.Error(t, err)
}

func TestReinforceCapsAtOne(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := openStore(t, clock)

	recorded, err := store.Record(context.Background(), observation("a", "fact", 0.99, "x"))
	require.NoError(t, err)

	updated, err := store.Reinforce(recorded.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, updated.Confidence)
}

func TestRankingIsRecencyTimesConfidence(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := openStore(t, clock)

	old, err := store.Record(context.Background(), observation("old", "older but surer", 0.95, "x"))
	require.NoError(t, err)

	clock.advance(8 * 24 * time.Hour)
	fresh, err := store.Record(context.Background(), observation("fresh", "recent", 0.7, "x"))
	require.NoError(t, err)

	got := store.Query([]string{"x"}, 0.5)
	require.Len(t, got, 2)
	// recency dominates: 0.7*1 beats (0.95-0.16)*(1/9).
	assert.Equal(t, fresh.ID, got[0].ID)
	assert.Equal(t, old.ID, got[1].ID)
}

func TestLastWriteWinsOnReload(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	path := filepath.Join(t.TempDir(), "learnings.jsonl")

	store, err := Open(path, Options{now: func() time.Time { return clock.now }})
	require.NoError(t, err)
	recorded, err := store.Record(context.Background(), observation("a", "fact", 0.6, "x"))
	require.NoError(t, err)
	_, err = store.Reinforce(recorded.ID)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(path, Options{now: func() time.Time { return clock.now }})
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 1, reopened.Len())
	got, ok := reopened.Get(recorded.ID)
	require.True(t, ok)
	assert.InDelta(t, 0.65, got.Confidence, 1e-9)
}

func TestSweepDropsAndCompacts(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	path := filepath.Join(t.TempDir(), "learnings.jsonl")
	store, err := Open(path, Options{now: func() time.Time { return clock.now }})
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Record(context.Background(), observation("a", "fades fast", 0.15, "x"))
	require.NoError(t, err)
	keeper, err := store.Record(context.Background(), observation("b", "sticks", 0.9, "x"))
	require.NoError(t, err)

	clock.advance(5 * 24 * time.Hour)
	removed, err := store.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len())

	// The compacted file holds only the survivor.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
	assert.Contains(t, string(data), keeper.ID)

	removed, err = store.Sweep()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestCorruptLinesAreSkippedOnLoad(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	path := filepath.Join(t.TempDir(), "learnings.jsonl")
	store, err := Open(path, Options{now: func() time.Time { return clock.now }})
	require.NoError(t, err)
	_, err = store.Record(context.Background(), observation("a", "fact", 0.8, "x"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{torn record\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path, Options{now: func() time.Time { return clock.now }})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 1, reopened.Len())
}

func TestRecordRejectsUnencodableConfidence(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := openStore(t, clock)

	// NaN survives the clamp and cannot be encoded as JSON.
	_, err := store.Record(context.Background(), observation("a", "fact", math.NaN(), "x"))
	require.Error(t, err)
	assert.Equal(t, otterrors.KindNotSerializable, otterrors.KindOf(err))
	assert.Equal(t, 0, store.Len())
}

type fakeSemantic struct {
	indexed []string
	results []string
	queried string
}

func (f *fakeSemantic) Index(ctx context.Context, learning *domain.Learning) error {
	f.indexed = append(f.indexed, learning.ID)
	return nil
}

func (f *fakeSemantic) Search(ctx context.Context, text string, topK int) ([]string, error) {
	f.queried = text
	return f.results, nil
}

func TestSemanticFallbackWhenTagsMiss(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	semantic := &fakeSemantic{}
	store, err := Open(filepath.Join(t.TempDir(), "learnings.jsonl"), Options{
		Semantic: semantic,
		now:      func() time.Time { return clock.now },
	})
	require.NoError(t, err)
	defer store.Close()

	recorded, err := store.Record(context.Background(), observation("deploys", "migrations first", 0.8, "deploy"))
	require.NoError(t, err)
	require.Equal(t, []string{recorded.ID}, semantic.indexed)
	semantic.results = []string{recorded.ID}

	// Tag overlap hits: semantic search is not consulted.
	got := store.QuerySemantic(context.Background(), "how to deploy", []string{"deploy"}, 0.6, 3)
	require.Len(t, got, 1)
	assert.Empty(t, semantic.queried)

	// No overlap: falls back to the vector index.
	got = store.QuerySemantic(context.Background(), "rolling out a release", []string{"release"}, 0.6, 3)
	require.Len(t, got, 1)
	assert.Equal(t, recorded.ID, got[0].ID)
	assert.Equal(t, "rolling out a release", semantic.queried)
}
