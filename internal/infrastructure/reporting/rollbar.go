package reporting

import (
	"context"
	"time"

	"github.com/rollbar/rollbar-go"
)

// RollbarConfig identifies this deployment to Rollbar.
type RollbarConfig struct {
	Token       string
	Environment string
	ServerHost  string
	CodeVersion string
}

// RollbarReporter sends reports to Rollbar as errors with the task fields
// as extras. It uses the package-level Rollbar client.
type RollbarReporter struct {
	send func(interfaces ...interface{})
}

// NewRollbarReporter configures the Rollbar client. An empty token
// disables delivery.
func NewRollbarReporter(config RollbarConfig) *RollbarReporter {
	rollbar.SetToken(config.Token)
	rollbar.SetEnvironment(config.Environment)
	rollbar.SetServerHost(config.ServerHost)
	rollbar.SetCodeVersion(config.CodeVersion)
	rollbar.SetEnabled(config.Token != "")
	return &RollbarReporter{send: rollbar.Error}
}

// Report implements Reporter.
func (r *RollbarReporter) Report(_ context.Context, err error, fields map[string]interface{}) {
	extras := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		extras[k] = v
	}
	r.send(err, extras)
}

// Flush waits for queued reports, up to timeout.
func (r *RollbarReporter) Flush(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		rollbar.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}
