package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/store"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return New(st, opts...), st
}

func TestBackoffFor(t *testing.T) {
	tests := []struct {
		consecutive int
		want        time.Duration
	}{
		{0, 0},
		{1, 0},
		{2, 0},
		{3, 5 * time.Minute},
		{4, 5 * time.Minute},
		{5, 15 * time.Minute},
		{9, 15 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BackoffFor(tt.consecutive), "consecutive=%d", tt.consecutive)
	}
}

func TestRecordOutcome_EscalatesThenResets(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	var backoffs []time.Duration
	for i := 0; i < 5; i++ {
		st, err := l.RecordOutcome(ctx, model.ProviderChatGPT, false, now)
		require.NoError(t, err)
		assert.Equal(t, i+1, st.ConsecutiveErrors)
		if st.ErrorBackoffUntil == nil {
			backoffs = append(backoffs, 0)
		} else {
			backoffs = append(backoffs, st.ErrorBackoffUntil.Sub(now))
		}
	}
	assert.Equal(t, []time.Duration{0, 0, 5 * time.Minute, 5 * time.Minute, 15 * time.Minute}, backoffs)

	eligible, err := l.Eligible(ctx, model.ProviderChatGPT, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.False(t, eligible, "still inside severe backoff")

	st, err := l.RecordOutcome(ctx, model.ProviderChatGPT, true, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, st.ConsecutiveErrors)
	assert.Nil(t, st.ErrorBackoffUntil)
	require.NotNil(t, st.CooldownUntil)
	assert.Equal(t, now.Add(time.Minute+30*time.Second), *st.CooldownUntil)
}

func TestRecordOutcome_CooldownPerProvider(t *testing.T) {
	l, _ := newTestLedger(t, WithCooldowns(map[string]time.Duration{"gemini": 2 * time.Second, "bogus": time.Hour}))
	ctx := context.Background()

	st, err := l.RecordOutcome(ctx, model.ProviderGemini, true, now)
	require.NoError(t, err)
	require.NotNil(t, st.CooldownUntil)
	assert.Equal(t, now.Add(2*time.Second), *st.CooldownUntil)

	eligible, err := l.Eligible(ctx, model.ProviderGemini, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, eligible)

	eligible, err = l.Eligible(ctx, model.ProviderGemini, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, eligible, "boundary is inclusive of expiry")

	assert.Equal(t, 20*time.Second, l.Cooldown(model.ProviderPerplexity))
}

func TestEligible_NoRow(t *testing.T) {
	l, _ := newTestLedger(t)
	ok, err := l.Eligible(context.Background(), model.ProviderGrok, now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSnapshot(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.RecordOutcome(ctx, model.ProviderPerplexity, true, now)
	require.NoError(t, err)

	require.NoError(t, l.Heartbeat(ctx, model.WorkerHeartbeat{
		WorkerID:         "w-live",
		Status:           model.WorkerIdle,
		BrowserConnected: true,
		EnginesReady:     []model.Provider{model.ProviderChatGPT},
		LastSeenAt:       now.Add(-30 * time.Second),
	}))
	require.NoError(t, l.Heartbeat(ctx, model.WorkerHeartbeat{
		WorkerID:         "w-stale",
		Status:           model.WorkerActive,
		BrowserConnected: true,
		EnginesReady:     []model.Provider{model.ProviderGemini},
		LastSeenAt:       now.Add(-5 * time.Minute),
	}))

	snap, err := l.Snapshot(ctx, now.Add(5*time.Second))
	require.NoError(t, err)
	assert.Len(t, snap.Workers, 1)
	assert.True(t, snap.WorkerReady(model.ProviderChatGPT))
	assert.False(t, snap.WorkerReady(model.ProviderGemini))
	assert.False(t, snap.Eligible(model.ProviderPerplexity))
	assert.True(t, snap.Eligible(model.ProviderChatGPT))
	assert.Equal(t, []model.Provider{model.ProviderPerplexity}, snap.InBackoff())
}

func TestSnapshot_WorkerAvailability(t *testing.T) {
	snap := Snapshot{
		Taken: now,
		Workers: []model.WorkerHeartbeat{
			{WorkerID: "draining", Status: model.WorkerDraining, BrowserConnected: true, EnginesReady: []model.Provider{model.ProviderChatGPT}, LastSeenAt: now},
			{WorkerID: "no-browser", Status: model.WorkerActive, EnginesReady: []model.Provider{model.ProviderChatGPT}, LastSeenAt: now},
		},
	}
	assert.Empty(t, snap.AvailableWorkers())
	assert.False(t, snap.WorkerReady(model.ProviderChatGPT))
}
