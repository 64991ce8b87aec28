package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/metrics"
	"github.com/sells-group/visibility-engine/internal/store"
)

type fakeReleaser struct {
	calls int
	n     int64
	err   error
}

func (f *fakeReleaser) ReleaseStaleClaims(context.Context) (int64, error) {
	f.calls++
	return f.n, f.err
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	st := &mockStats{}
	st.On("QueueStats", mock.Anything, mock.Anything, mock.Anything).Return(store.QueueStats{}, nil).Maybe()
	cfg := config.MonitoringConfig{
		CheckIntervalSecs:    1,
		LookbackWindowHours:  24,
		FailureRateThreshold: 0.10,
	}
	checker := NewChecker(NewCollector(st, nil, time.Minute), NewAlerter(cfg), nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockStats{}, nil, time.Minute), NewAlerter(config.MonitoringConfig{}), nil,
		config.MonitoringConfig{CheckIntervalSecs: 0})
	assert.NotNil(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckReleasesThenCollects(t *testing.T) {
	st := &mockStats{}
	st.On("QueueStats", mock.Anything, mock.Anything, mock.Anything).
		Return(store.QueueStats{Pending: 4, Claimed: 1}, nil).Once()
	rel := &fakeReleaser{n: 2}
	cfg := config.MonitoringConfig{LookbackWindowHours: 24, FailureRateThreshold: 0.2}
	checker := NewChecker(NewCollector(st, nil, time.Minute), NewAlerter(cfg), rel, cfg)

	snap := checker.Check(context.Background(), zap.NewNop())
	require.NotNil(t, snap)
	assert.Equal(t, 1, rel.calls)
	assert.Equal(t, 4, snap.Pending)
	assert.InDelta(t, 4, testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("pending")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("claimed")), 0.001)
	st.AssertExpectations(t)
}

func TestChecker_ReleaseErrorStillCollects(t *testing.T) {
	st := &mockStats{}
	st.On("QueueStats", mock.Anything, mock.Anything, mock.Anything).Return(store.QueueStats{}, nil)
	rel := &fakeReleaser{err: eris.New("locked")}
	cfg := config.MonitoringConfig{LookbackWindowHours: 1}
	checker := NewChecker(NewCollector(st, nil, time.Minute), NewAlerter(cfg), rel, cfg)

	assert.NotNil(t, checker.Check(context.Background(), zap.NewNop()))
}

func TestChecker_CollectError(t *testing.T) {
	st := &mockStats{}
	st.On("QueueStats", mock.Anything, mock.Anything, mock.Anything).Return(store.QueueStats{}, eris.New("down"))
	cfg := config.MonitoringConfig{LookbackWindowHours: 1}
	checker := NewChecker(NewCollector(st, nil, time.Minute), NewAlerter(cfg), nil, cfg)

	assert.Nil(t, checker.Check(context.Background(), zap.NewNop()))
}
