package service

import (
	"context"
	"sync/atomic"
	"testing"

	"creditgate/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestTrials(t *testing.T) (*TrialService, *LedgerService) {
	t.Helper()
	db := newTestDB(t)
	cfg := testConfig()
	trials := NewTrialService(db, cfg, nil)
	trials.reads = noRetry()
	return trials, newTestLedger(t, db, cfg)
}

func TestRecordTrialOncePerPair(t *testing.T) {
	trials, _ := newTestTrials(t)
	ctx := context.Background()

	trialed, err := trials.HasTrialed(ctx, 42, -1001)
	require.NoError(t, err)
	assert.False(t, trialed)

	outcome, err := trials.RecordTrial(ctx, 42, -1001, TrialMeta{TemplateUsed: "portrait"})
	require.NoError(t, err)
	assert.Equal(t, TrialRecorded, outcome)

	outcome, err = trials.RecordTrial(ctx, 42, -1001, TrialMeta{})
	require.NoError(t, err)
	assert.Equal(t, TrialDuplicate, outcome)

	trialed, err = trials.HasTrialed(ctx, 42, -1001)
	require.NoError(t, err)
	assert.True(t, trialed)

	record, err := trials.Get(ctx, 42, -1001)
	require.NoError(t, err)
	require.NotNil(t, record.TemplateUsed)
	assert.Equal(t, "portrait", *record.TemplateUsed)

	other, err := trials.RecordTrial(ctx, 42, -2002, TrialMeta{})
	require.NoError(t, err)
	assert.Equal(t, TrialRecorded, other)
	assert.Equal(t, int64(2), countOutbox(t, trials.db, model.EventTrialRecorded))
}

func TestConcurrentRecordTrialSingleWinner(t *testing.T) {
	trials, _ := newTestTrials(t)
	ctx := context.Background()

	var recorded atomic.Int64
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			outcome, err := trials.RecordTrial(ctx, 7, -5, TrialMeta{})
			if outcome == TrialRecorded {
				recorded.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1), recorded.Load())
}

func TestMarkConvertedFlipsOnce(t *testing.T) {
	trials, _ := newTestTrials(t)
	ctx := context.Background()
	_, err := trials.RecordTrial(ctx, 1, -10, TrialMeta{})
	require.NoError(t, err)

	require.NoError(t, trials.MarkConverted(ctx, 1, -10))
	record, err := trials.Get(ctx, 1, -10)
	require.NoError(t, err)
	assert.True(t, record.ConvertedToPaid)
	require.NotNil(t, record.ConvertedAt)
	first := *record.ConvertedAt

	require.NoError(t, trials.MarkConverted(ctx, 1, -10))
	record, err = trials.Get(ctx, 1, -10)
	require.NoError(t, err)
	assert.True(t, first.Equal(*record.ConvertedAt))
	assert.Equal(t, int64(1), countOutbox(t, trials.db, model.EventTrialConverted))
}

func TestMarkConvertedAllAndStats(t *testing.T) {
	trials, _ := newTestTrials(t)
	ctx := context.Background()
	for _, g := range []int64{-1, -2, -3} {
		_, err := trials.RecordTrial(ctx, 8, g, TrialMeta{})
		require.NoError(t, err)
	}
	_, err := trials.RecordTrial(ctx, 9, -1, TrialMeta{})
	require.NoError(t, err)

	n, err := trials.MarkConvertedAll(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = trials.MarkConvertedAll(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	stats, err := trials.GroupStats(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Trials)
	assert.Equal(t, int64(1), stats.Converted)
}

func TestTrialValidation(t *testing.T) {
	trials, _ := newTestTrials(t)
	_, err := trials.RecordTrial(context.Background(), 0, -1, TrialMeta{})
	assert.True(t, IsValidation(err))
	_, err = trials.HasTrialed(context.Background(), 1, 0)
	assert.True(t, IsValidation(err))
}

func TestTrialOutcomeString(t *testing.T) {
	assert.Equal(t, "recorded", TrialRecorded.String())
	assert.Equal(t, "duplicate", TrialDuplicate.String())
}
