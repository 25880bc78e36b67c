package scheduler

import (
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/edge-session/internal/logging"
)

func newTestScheduler() *Scheduler {
	return New(WithUnit(10*time.Millisecond), WithLogger(logging.Nop()))
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("task %s did not finish", task.Kind())
	}
}

func TestEffectiveInterval(t *testing.T) {
	assert.Equal(t, 30.0, EffectiveInterval(0))
	assert.Equal(t, 30.0, EffectiveInterval(-5))
	assert.Equal(t, 30.0, EffectiveInterval(0.5))
	assert.Equal(t, 1.0, EffectiveInterval(1))
	assert.Equal(t, 12.5, EffectiveInterval(12.5))
	assert.Equal(t, float64(MaxIntervalSeconds), EffectiveInterval(MaxIntervalSeconds))

	// 超出範圍或非有限值一律回到預設
	for _, v := range []float64{MaxIntervalSeconds + 1, 1e12, math.NaN(), math.Inf(1), math.Inf(-1)} {
		assert.Equal(t, 30.0, EffectiveInterval(v), "%v", v)
		assert.False(t, ValidInterval(v), "%v", v)
	}
}

func TestScheduleHugeIntervalFallsBackToDefault(t *testing.T) {
	s := New(WithLogger(logging.Nop()))
	defer s.Close()

	for _, v := range []float64{1e12, math.NaN(), math.Inf(1)} {
		fired := make(chan struct{}, 1)
		task, err := s.Schedule(KindLatency, v, 1, func(int64) { fired <- struct{}{} })
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, task.Interval(), "%v", v)
		waitDone(t, task)
		assert.Len(t, fired, 1)
	}
}

func TestScheduleRunsImmediately(t *testing.T) {
	s := New(WithLogger(logging.Nop()))
	defer s.Close()

	fired := make(chan int64, 1)
	task, err := s.Schedule(KindLatency, 30, 0, func(n int64) { fired <- n })
	require.NoError(t, err)

	select {
	case n := <-fired:
		assert.Equal(t, int64(1), n)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("first execution should have no initial delay")
	}
	assert.Equal(t, 30*time.Second, task.Interval())
}

func TestTaskSelfCancelsAtMax(t *testing.T) {
	s := newTestScheduler()
	var runs atomic.Int64

	task, err := s.Schedule(KindLocation, 1, 3, func(int64) { runs.Add(1) })
	require.NoError(t, err)
	waitDone(t, task)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(3), runs.Load())
	assert.Equal(t, int64(3), task.Executions())
	assert.True(t, task.Cancelled())
	assert.Equal(t, 0, s.Active())
}

func TestUnboundedTaskKeepsRunning(t *testing.T) {
	s := newTestScheduler()
	var runs atomic.Int64

	task, err := s.Schedule(KindLatency, 1, 0, func(int64) { runs.Add(1) })
	require.NoError(t, err)

	time.Sleep(75 * time.Millisecond)
	assert.GreaterOrEqual(t, runs.Load(), int64(4))

	task.Cancel()
	waitDone(t, task)
	after := runs.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no run after cancel")
}

func TestCancelByKind(t *testing.T) {
	s := newTestScheduler()
	defer s.Close()

	loc, err := s.Schedule(KindLocation, 1, 0, func(int64) {})
	require.NoError(t, err)
	lat, err := s.Schedule(KindLatency, 1, 0, func(int64) {})
	require.NoError(t, err)

	s.Cancel(KindLatency)
	waitDone(t, lat)
	assert.True(t, lat.Cancelled())
	assert.False(t, loc.Cancelled())
}

func TestCancelAllIsIdempotent(t *testing.T) {
	s := newTestScheduler()
	var runs atomic.Int64
	var tasks []*Task
	for i := 0; i < 3; i++ {
		task, err := s.Schedule(KindLatency, 1, 0, func(int64) { runs.Add(1) })
		require.NoError(t, err)
		tasks = append(tasks, task)
	}

	s.CancelAll()
	assert.NotPanics(t, s.CancelAll)
	for _, task := range tasks {
		waitDone(t, task)
	}
	after := runs.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
	assert.Equal(t, 0, s.Active())
}

func TestRunInProgressCompletes(t *testing.T) {
	s := newTestScheduler()
	started := make(chan struct{})
	var finished atomic.Bool

	task, err := s.Schedule(KindLatency, 1, 0, func(n int64) {
		if n == 1 {
			close(started)
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)
		}
	})
	require.NoError(t, err)

	<-started
	task.Cancel()
	waitDone(t, task)
	assert.True(t, finished.Load())
	assert.Equal(t, int64(1), task.Executions())
}

func TestCloseRejectsSchedule(t *testing.T) {
	s := newTestScheduler()
	s.Close()

	_, err := s.Schedule(KindLocation, 1, 0, func(int64) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPanickingCallbackKeepsTask(t *testing.T) {
	s := newTestScheduler()
	task, err := s.Schedule(KindLatency, 1, 2, func(n int64) {
		if n == 1 {
			panic("boom")
		}
	})
	require.NoError(t, err)
	waitDone(t, task)
	assert.Equal(t, int64(2), task.Executions())
}

func TestNilCallbackRejected(t *testing.T) {
	s := newTestScheduler()
	_, err := s.Schedule(KindLatency, 1, 0, nil)
	assert.Error(t, err)
}
