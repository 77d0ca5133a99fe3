package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *HistoryStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndGetRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := &Run{
		CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Provider:     "openai",
		Model:        "gpt-5",
		QueryID:      "q1",
		Task:         "nor_rows",
		Attempts:     2,
		Pass:         true,
		ISACompliant: true,
		NumTests:     50,
		Seed:         7,
		Duration:     1500 * time.Millisecond,
		InputTokens:  1200,
		OutputTokens: 300,
		ReportJSON:   `{"pass":true}`,
		OutputJSON:   `{"verifier_input":{}}`,
	}
	require.NoError(t, s.RecordRun(ctx, run))
	require.NotEmpty(t, run.ID)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(run, got); diff != "" {
		t.Errorf("run mismatch (-want +got):\n%s", diff)
	}

	byPrefix, err := s.GetRun(ctx, run.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, run.ID, byPrefix.ID)
}

func TestGetRunErrors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = s.GetRun(ctx, "")
	assert.ErrorIs(t, err, ErrRunNotFound)

	require.NoError(t, s.RecordRun(ctx, &Run{ID: "abc-1"}))
	require.NoError(t, s.RecordRun(ctx, &Run{ID: "abc-2"}))
	_, err = s.GetRun(ctx, "abc")
	assert.ErrorIs(t, err, ErrAmbiguousID)

	// Prefixes match literally; SQL wildcards in the input match nothing.
	for _, prefix := range []string{"abc_", "abc%", "%", "_bc-1"} {
		_, err = s.GetRun(ctx, prefix)
		assert.ErrorIs(t, err, ErrRunNotFound, prefix)
	}
	got, err := s.GetRun(ctx, "abc-2")
	require.NoError(t, err)
	assert.Equal(t, "abc-2", got.ID)
}

func TestListRunsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, q := range []string{"q1", "q2", "q3"} {
		require.NoError(t, s.RecordRun(ctx, &Run{
			QueryID:     q,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			Pass:        i != 1,
			InputTokens: 10,
		}))
	}

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "q3", runs[0].QueryID)
	assert.Equal(t, "q2", runs[1].QueryID)

	sum, err := s.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 3, Passed: 2, Tokens: 30}, sum)
}

func TestListRunsSubSecondOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, r := range []struct {
		query  string
		offset time.Duration
	}{
		{"oldest", 0},
		{"older", 500 * time.Millisecond},
		{"newer", 510 * time.Millisecond},
	} {
		require.NoError(t, s.RecordRun(ctx, &Run{QueryID: r.query, CreatedAt: base.Add(r.offset)}))
	}

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	var order []string
	for _, r := range runs {
		order = append(order, r.QueryID)
	}
	assert.Equal(t, []string{"newer", "older", "oldest"}, order)
	assert.True(t, runs[0].CreatedAt.Equal(base.Add(510*time.Millisecond)))
}

func TestEmptyStore(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	runs, err := s.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)

	sum, err := s.Summarize(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Total)
}
