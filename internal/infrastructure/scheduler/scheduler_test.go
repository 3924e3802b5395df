package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name  string
	runs  atomic.Int32
	err   error
	block chan struct{}
}

func (j *countingJob) Name() string        { return j.name }
func (j *countingJob) Description() string { return "test job" }

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return j.err
}

func TestScheduler_RunsDueJobs(t *testing.T) {
	results := make(chan JobResult, 16)
	s := NewScheduler(SchedulerConfig{
		TickInterval:  5 * time.Millisecond,
		OnJobComplete: func(r JobResult) { results <- r },
	})
	job := &countingJob{name: "tick", err: errors.New("flaky")}
	require.NoError(t, s.Register(job, IntervalSchedule{Interval: 10 * time.Millisecond}))

	require.NoError(t, s.Start(context.Background()))
	select {
	case r := <-results:
		assert.Equal(t, "tick", r.JobName)
		assert.False(t, r.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)

	infos := s.ListJobs()
	require.Len(t, infos, 1)
	assert.GreaterOrEqual(t, infos[0].RunCount, int64(1))
	assert.Equal(t, infos[0].RunCount, infos[0].FailCount)
	assert.Equal(t, "@every 10ms", infos[0].Schedule)
}

func TestScheduler_NoOverlap(t *testing.T) {
	s := NewScheduler(SchedulerConfig{TickInterval: 2 * time.Millisecond})
	job := &countingJob{name: "slow", block: make(chan struct{})}
	require.NoError(t, s.Register(job, IntervalSchedule{Interval: time.Millisecond}))

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), job.runs.Load())

	_, err := s.RunNow(context.Background(), "slow")
	assert.Error(t, err, "manual run refused while scheduled run is in flight")

	close(job.block)
	require.NoError(t, s.Stop())
}

func TestScheduler_RegisterAndRunNow(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig())
	job := &countingJob{name: "once"}

	assert.ErrorIs(t, s.Register(nil, IntervalSchedule{}), ErrNilJob)
	assert.ErrorIs(t, s.Register(job, nil), ErrNilSchedule)
	require.NoError(t, s.Register(job, IntervalSchedule{Interval: time.Hour}))
	assert.ErrorIs(t, s.Register(job, IntervalSchedule{Interval: time.Hour}), ErrJobAlreadyExists)

	res, err := s.RunNow(context.Background(), "once")
	require.NoError(t, err)
	assert.True(t, res.Manual)
	assert.True(t, res.Success)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestParseSchedule(t *testing.T) {
	base := time.Date(2024, 3, 10, 12, 7, 30, 0, time.UTC) // Sunday

	tests := []struct {
		spec string
		want time.Time
	}{
		{"@every 15m", base.Add(15 * time.Minute)},
		{"*/15 * * * *", time.Date(2024, 3, 10, 12, 15, 0, 0, time.UTC)},
		{"@hourly", time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC)},
		{"@daily", time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)},
		{"30 2 * * 1", time.Date(2024, 3, 11, 2, 30, 0, 0, time.UTC)},
		{"0 9 1 * *", time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)},
		{"5,10 12 * * *", time.Date(2024, 3, 10, 12, 10, 0, 0, time.UTC)},
		{"0 8-10/2 * * *", time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			s, err := ParseSchedule(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Next(base))
		})
	}
}

func TestParseSchedule_Rejects(t *testing.T) {
	for _, spec := range []string{"", "@every", "@every -1s", "* * * *", "60 * * * *", "*/0 * * * *", "5-1 * * * *", "a * * * *"} {
		_, err := ParseSchedule(spec)
		assert.Error(t, err, spec)
	}
}
