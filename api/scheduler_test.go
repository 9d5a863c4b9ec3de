package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rewards-engine/points"
)

type fakeReconciler struct {
	runs atomic.Int32
	err  error
}

func (f *fakeReconciler) ReconcileAll(ctx context.Context) (points.ReconcileReport, error) {
	f.runs.Add(1)
	return points.ReconcileReport{Checked: 3, Corrected: 1}, f.err
}

func TestReconciliationScheduler_RejectsBadSpec(t *testing.T) {
	_, err := NewReconciliationScheduler(&fakeReconciler{}, "whenever")
	assert.ErrorContains(t, err, "invalid reconcile schedule")

	// Five-field specs are rejected: the schedule carries seconds
	_, err = NewReconciliationScheduler(&fakeReconciler{}, "*/15 * * * *")
	assert.Error(t, err)
}

func TestReconciliationScheduler_RunOnce(t *testing.T) {
	rec := &fakeReconciler{}
	rs, err := NewReconciliationScheduler(rec, "0 0 * * * *")
	require.NoError(t, err)

	rs.RunOnce()
	rec.err = errors.New("store unavailable")
	rs.RunOnce()

	assert.Equal(t, int32(2), rec.runs.Load())
}

func TestReconciliationScheduler_RunsOnSchedule(t *testing.T) {
	rec := &fakeReconciler{}
	rs, err := NewReconciliationScheduler(rec, "* * * * * *")
	require.NoError(t, err)

	rs.Start()
	assert.Eventually(t, func() bool { return rec.runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rs.Stop(ctx)
}
