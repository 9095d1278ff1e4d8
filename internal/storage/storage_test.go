package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "intelrelay/pkg/logx"
)

func openDriver(t *testing.T, driver string) Store {
	t.Helper()
	name := "relay.db"
	if driver == "file" {
		name = "relay.json"
	}
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), name)}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestDisabled(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
}

func TestHistory(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			st := openDriver(t, driver)
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			for i := 0; i < 6; i++ {
				src, outcome, errText := "-1001", "succeeded", ""
				if i%2 == 1 {
					src, outcome, errText = "@bwenews", "failed", "llm timeout"
				}
				require.NoError(t, st.AppendHistory(ctx, HistoryEntry{
					At: base.Add(time.Duration(i) * time.Minute), EventID: fmt.Sprintf("ev-%d", i),
					Source: src, MessageID: 100 + i, Outcome: outcome, TookMS: int64(i * 10),
					Error: errText,
				}))
			}

			all, err := st.RecentHistory(ctx, HistoryQuery{Limit: 4})
			require.NoError(t, err)
			require.Len(t, all, 4)
			assert.Equal(t, "ev-5", all[0].EventID, "newest first")
			assert.Equal(t, "ev-2", all[3].EventID)
			assert.True(t, all[0].At.Equal(base.Add(5*time.Minute)))

			failed, err := st.RecentHistory(ctx, HistoryQuery{Outcome: "failed"})
			require.NoError(t, err)
			require.Len(t, failed, 3)
			for _, e := range failed {
				assert.Equal(t, "@bwenews", e.Source)
				assert.Equal(t, "llm timeout", e.Error)
			}

			bySource, err := st.RecentHistory(ctx, HistoryQuery{Source: "-1001", Limit: 2})
			require.NoError(t, err)
			require.Len(t, bySource, 2)
			assert.Equal(t, 104, bySource[0].MessageID)
			assert.Empty(t, bySource[0].Error)
		})
	}
}

func TestDedup(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			st := openDriver(t, driver)

			_, ok, err := st.GetDedup(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			require.NoError(t, st.PutDedup(ctx, "k", until))
			got, ok, err := st.GetDedup(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, got.Equal(until))
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relay.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, st.PutDedup(ctx, "alert", until))
	require.NoError(t, st.AppendHistory(ctx, HistoryEntry{EventID: "e1", Source: "-1", Outcome: "skipped"}))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	_, ok, err := st.GetDedup(ctx, "alert")
	require.NoError(t, err)
	assert.True(t, ok)
	h, err := st.RecentHistory(ctx, HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, "skipped", h[0].Outcome)
}

func TestFileDedupCompactsAndDropsExpired(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.PutDedup(ctx, "live", time.Now().Add(time.Hour)))
	require.NoError(t, st.PutDedup(ctx, "stale", time.Now().Add(-time.Minute)))
	require.NoError(t, st.Close())

	journal, err := os.ReadFile(filepath.Join(dir, "relay.dedup.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, journal, "close compacts the journal")
	snap, err := os.ReadFile(filepath.Join(dir, "relay.dedup.json"))
	require.NoError(t, err)
	assert.Contains(t, string(snap), `"live"`)
	assert.NotContains(t, string(snap), `"stale"`)

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	_, ok, err := st.GetDedup(ctx, "live")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDedupJournalSurvivesForeignTruncate(t *testing.T) {
	dir := t.TempDir()
	snap, jr := filepath.Join(dir, "d.json"), filepath.Join(dir, "d.jsonl")
	until := time.Now().Add(time.Hour)

	live, err := openDedupJournal(snap, jr, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = live.close() })
	require.NoError(t, live.put("k1", until))

	// A second handle on the same files compacts on open and close.
	other, err := openDedupJournal(snap, jr, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, other.close())

	require.NoError(t, live.put("k2", until))

	b, err := os.ReadFile(jr)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "\x00")

	// The live handle never closes: recovery is snapshot plus journal.
	again, err := openDedupJournal(snap, jr, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = again.close() })
	for _, k := range []string{"k1", "k2"} {
		_, ok := again.get(k)
		assert.True(t, ok, k)
	}
}

func TestReadOnlyOpenLeavesFilesAlone(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.json")
	live, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer live.Close()
	require.NoError(t, live.PutDedup(ctx, "alert", time.Now().Add(time.Hour)))
	require.NoError(t, live.AppendHistory(ctx, HistoryEntry{EventID: "e1", Outcome: "failed"}))
	journal := filepath.Join(dir, "relay.dedup.jsonl")
	before, err := os.ReadFile(journal)
	require.NoError(t, err)
	require.NotEmpty(t, before)

	ro, err := Open(Config{Driver: "file", Path: path, ReadOnly: true}, logx.Nop())
	require.NoError(t, err)
	_, ok, err := ro.GetDedup(ctx, "alert")
	require.NoError(t, err)
	assert.True(t, ok)
	h, err := ro.RecentHistory(ctx, HistoryQuery{})
	require.NoError(t, err)
	assert.Len(t, h, 1)
	assert.Error(t, ro.PutDedup(ctx, "other", time.Now().Add(time.Hour)))
	require.NoError(t, ro.Close())

	after, err := os.ReadFile(journal)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSQLiteReopenKeepsSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relay.db")
	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.AppendHistory(ctx, HistoryEntry{EventID: "e1", Source: "-1", Outcome: "succeeded"}))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "sqlite3", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	h, err := st.RecentHistory(ctx, HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, "e1", h[0].EventID)
}
