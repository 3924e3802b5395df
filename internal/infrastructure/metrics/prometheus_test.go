package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/persistent-grades/pkg/circuitbreaker"
)

func TestCollector_TaskMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, "test")

	c.ObserveTransition("recalculate_subsection_grade", "PENDING", "RUNNING")
	c.ObserveTransition("recalculate_subsection_grade", "RUNNING", "RETRYING")
	c.ObserveTransition("recalculate_subsection_grade", "RETRYING", "RUNNING")
	c.ObserveTransition("recalculate_subsection_grade", "RUNNING", "SUCCEEDED")
	c.ObserveAttempt("recalculate_subsection_grade", "transient", 10*time.Millisecond)
	c.ObserveAttempt("recalculate_subsection_grade", "success", 5*time.Millisecond)
	c.ObserveRun("recalculate_subsection_grade", "SUCCEEDED", 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.taskTransitions.WithLabelValues("recalculate_subsection_grade", "RUNNING", "RETRYING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.taskAttempts.WithLabelValues("recalculate_subsection_grade", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.taskRuns.WithLabelValues("recalculate_subsection_grade", "SUCCEEDED")))

	expected := `
# HELP test_tasks_runs_total Finished task runs by final state.
# TYPE test_tasks_runs_total counter
test_tasks_runs_total{state="SUCCEEDED",task="recalculate_subsection_grade"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_tasks_runs_total"))
}

func TestCollector_EventMetrics(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry(), "")

	c.ObservePublish("grades.subsection_score_changed")
	c.ObserveHandler("grades.subsection_score_changed", time.Millisecond, nil)
	c.ObserveHandler("grades.subsection_score_changed", time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsPublished.WithLabelValues("grades.subsection_score_changed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handlerRuns.WithLabelValues("grades.subsection_score_changed", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handlerRuns.WithLabelValues("grades.subsection_score_changed", "success")))
}

func TestCollector_BreakerGauge(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry(), "")

	c.BreakerStateChanged("structure-cache", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerState.WithLabelValues("structure-cache")))

	c.BreakerStateChanged("structure-cache", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.breakerState.WithLabelValues("structure-cache")))
}

func TestCollector_JobMetrics(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry(), "")

	c.ObserveJob("replay_abandoned", time.Second, true)
	c.ObserveJob("replay_abandoned", time.Second, false)
	c.ObserveJob("replay_abandoned", time.Second, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobRuns.WithLabelValues("replay_abandoned", "error")))
}
