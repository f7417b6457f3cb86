package artifact

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func TestStore_CurrentHashNotFound(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.CurrentHash(context.Background(), "synthesis", "netlist")
			assert.ErrorIs(t, err, ErrNotFound)

			stale, err := s.IsStale(context.Background(), "synthesis", "netlist", "h1")
			require.NoError(t, err)
			assert.True(t, stale, "never-recorded slot is stale")
		})
	}
}

func TestStore_RecordMovesCurrentAndKeepsHistory(t *testing.T) {
	ctx := context.Background()
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Record(ctx, Record{Stage: "synthesis", Kind: "netlist", Hash: "h1", Object: "o1", Location: "build/netlist.v"}))
			require.NoError(t, s.Record(ctx, Record{Stage: "synthesis", Kind: "netlist", Hash: "h2", Object: "o2", Location: "build/netlist.v"}))

			cur, err := s.CurrentHash(ctx, "synthesis", "netlist")
			require.NoError(t, err)
			assert.Equal(t, "h2", cur)

			hist, err := s.History(ctx, "synthesis", "netlist")
			require.NoError(t, err)
			require.Len(t, hist, 2)
			assert.Equal(t, "h1", hist[0].Hash)
			assert.Equal(t, "h2", hist[1].Hash)
			assert.False(t, hist[1].RecordedAt.IsZero())

			stale, err := s.IsStale(ctx, "synthesis", "netlist", "h1")
			require.NoError(t, err)
			assert.True(t, stale)
			stale, err = s.IsStale(ctx, "synthesis", "netlist", "h2")
			require.NoError(t, err)
			assert.False(t, stale)
		})
	}
}

func TestStore_RecordingCurrentHashIsNoop(t *testing.T) {
	ctx := context.Background()
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			rec := Record{Stage: "@source", Kind: "rtl", Hash: "h1"}
			require.NoError(t, s.Record(ctx, rec))
			require.NoError(t, s.Record(ctx, rec))

			hist, err := s.History(ctx, "@source", "rtl")
			require.NoError(t, err)
			assert.Len(t, hist, 1)
		})
	}
}

func TestStore_RecordAllIsAtomic(t *testing.T) {
	ctx := context.Background()
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			err := s.RecordAll(ctx, []Record{
				{Stage: "timing_power", Kind: "timing_report", Hash: "t1"},
				{Stage: "timing_power", Kind: "power_report"}, // no hash
			})
			require.Error(t, err)

			_, err = s.CurrentHash(ctx, "timing_power", "timing_report")
			assert.ErrorIs(t, err, ErrNotFound, "no record of a failed batch may become visible")

			require.NoError(t, s.RecordAll(ctx, []Record{
				{Stage: "timing_power", Kind: "timing_report", Hash: "t1"},
				{Stage: "timing_power", Kind: "power_report", Hash: "p1"},
			}))
			cur, err := s.Current(ctx, "timing_power", "power_report")
			require.NoError(t, err)
			assert.Equal(t, "p1", cur.Hash)
		})
	}
}

func TestStore_ConcurrentWritersOnDistinctSlots(t *testing.T) {
	ctx := context.Background()
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			stages := []string{"equiv_check", "floorplan", "simulation", "synthesis"}
			var wg sync.WaitGroup
			for _, st := range stages {
				wg.Add(1)
				go func(stage string) {
					defer wg.Done()
					assert.NoError(t, s.Record(ctx, Record{Stage: stage, Kind: stage + "_out", Hash: "h-" + stage}))
				}(st)
			}
			wg.Wait()

			for _, st := range stages {
				cur, err := s.CurrentHash(ctx, st, st+"_out")
				require.NoError(t, err)
				assert.Equal(t, "h-"+st, cur)
			}
		})
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, Record{Stage: "floorplan", Kind: "floorplan_db", Hash: "f1", Object: "o1", Location: "build/fp.def"}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.Current(ctx, "floorplan", "floorplan_db")
	require.NoError(t, err)
	assert.Equal(t, "f1", rec.Hash)
	assert.Equal(t, "o1", rec.Object)
	assert.Equal(t, "build/fp.def", rec.Location)
}
