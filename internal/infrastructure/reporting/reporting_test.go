package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewLogReporter(slog.New(slog.NewJSONHandler(&buf, nil)))

	r.Report(context.Background(), errors.New("retries exhausted"), map[string]interface{}{
		"task_id": "t-1",
		"reason":  "retry_exhausted",
	})

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "retries exhausted", rec["error"])
	assert.Equal(t, "t-1", rec["task_id"])
	assert.Equal(t, "error_reporter", rec["component"])
}

type captured struct {
	calls [][]interface{}
}

func (c *captured) send(args ...interface{}) { c.calls = append(c.calls, args) }

func TestRollbarReporter_SendsErrorWithExtras(t *testing.T) {
	c := &captured{}
	r := NewRollbarReporter(RollbarConfig{Environment: "test"})
	r.send = c.send

	fields := map[string]interface{}{"task_id": "t-1"}
	boom := errors.New("boom")
	r.Report(context.Background(), boom, fields)

	require.Len(t, c.calls, 1)
	assert.Equal(t, boom, c.calls[0][0])
	assert.Equal(t, map[string]interface{}{"task_id": "t-1"}, c.calls[0][1])

	fields["task_id"] = "mutated"
	assert.Equal(t, "t-1", c.calls[0][1].(map[string]interface{})["task_id"])
}

type countingReporter struct{ n int }

func (c *countingReporter) Report(context.Context, error, map[string]interface{}) { c.n++ }

func TestMulti(t *testing.T) {
	a, b := &countingReporter{}, &countingReporter{}
	Multi{a, nil, b}.Report(context.Background(), errors.New("x"), nil)
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)
}
