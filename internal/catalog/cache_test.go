package catalog

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"dispatchbot/internal/storage"
	"dispatchbot/pkg/logx"
)

type fakeSource struct {
	missions []*Mission
	err      error
	fetches  int
}

func (f *fakeSource) Fetch(context.Context) ([]*Mission, error) {
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	return f.missions, nil
}

func testStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Config{
		Path: filepath.Join(t.TempDir(), "catalog.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func tierMission(id int64, avg int64) *Mission {
	return &Mission{ID: id, Name: "m", AverageCredits: &avg}
}

func TestRefreshPersistsAndReloads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := testStore(t)
	src := &fakeSource{missions: []*Mission{tierMission(1, 450), tierMission(2, 1500)}}

	c := NewCache(src, store, time.Hour, logx.Nop())
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(c.Missions()) != 2 {
		t.Fatalf("missions = %d, want 2", len(c.Missions()))
	}

	// A second cache over the same store loads without touching the source.
	src2 := &fakeSource{err: errors.New("offline")}
	c2 := NewCache(src2, store, time.Hour, logx.Nop())
	if err := c2.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c2.Missions()) != 2 {
		t.Fatalf("loaded missions = %d, want 2", len(c2.Missions()))
	}
	if src2.fetches != 0 {
		t.Fatalf("fresh persisted catalog must not trigger a fetch, got %d", src2.fetches)
	}
}

func TestRefreshIfStaleSkipsFresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := &fakeSource{missions: []*Mission{tierMission(1, 450)}}
	c := NewCache(src, testStore(t), time.Hour, logx.Nop())

	if err := c.RefreshIfStale(ctx); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if err := c.RefreshIfStale(ctx); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if src.fetches != 1 {
		t.Fatalf("fetches = %d, want 1", src.fetches)
	}
}

func TestRefreshFailureKeepsCurrentCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := &fakeSource{missions: []*Mission{tierMission(1, 450)}}
	c := NewCache(src, testStore(t), time.Nanosecond, logx.Nop())

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	src.err = errors.New("upstream down")
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("failed refresh must not error while a copy exists: %v", err)
	}
	if len(c.Missions()) != 1 {
		t.Fatalf("missions = %d, want the kept copy", len(c.Missions()))
	}
}

func TestRefreshFailureWithoutCopyErrors(t *testing.T) {
	t.Parallel()
	src := &fakeSource{err: errors.New("upstream down")}
	c := NewCache(src, testStore(t), time.Hour, logx.Nop())
	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("refresh with no fallback copy must error")
	}
}

func TestSelectForLevel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now()
	expired := tierMission(3, 450)
	expired.Additional = &Additional{
		DateStart: now.Add(-2 * time.Hour).Unix(),
		DateEnd:   now.Add(-time.Hour).Unix(),
	}
	noPayout := &Mission{ID: 4, Name: "m"}
	src := &fakeSource{missions: []*Mission{tierMission(1, 450), expired, noPayout}}

	c := NewCache(src, testStore(t), time.Hour, logx.Nop())
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		m := c.SelectForLevel(1, rnd, now)
		if m == nil {
			t.Fatal("selection returned nil with a qualifying mission present")
		}
		if m.ID != 1 {
			t.Fatalf("selected mission %d; expired and payout-less entries must be skipped", m.ID)
		}
	}
}

func TestSelectForLevelEmptyCatalog(t *testing.T) {
	t.Parallel()
	c := NewCache(&fakeSource{}, testStore(t), time.Hour, logx.Nop())
	if m := c.SelectForLevel(1, rand.New(rand.NewSource(1)), time.Now()); m != nil {
		t.Fatalf("empty catalog selected %+v", m)
	}
}
