package ops

import (
	"github.com/rollbar/rollbar-go"

	"lmsBack/internal/installments/repo"
)

// Rollbar reports reconciliation issues as Rollbar warnings.
type Rollbar struct{}

// NewRollbar configures the global Rollbar client.
func NewRollbar(token, environment, host string) *Rollbar {
	rollbar.SetToken(token)
	rollbar.SetEnvironment(environment)
	rollbar.SetServerHost(host)
	rollbar.SetEnabled(token != "")
	return &Rollbar{}
}

// PublishIssue sends the issue with its identifiers as extras.
func (Rollbar) PublishIssue(is repo.Issue) {
	rollbar.Warning("reconciliation issue: "+is.Kind, map[string]interface{}{
		"issue_id":          is.ID,
		"event_id":          is.EventID,
		"event_type":        is.EventType,
		"charge_ref":        is.ChargeRef,
		"enrollment_id":     is.EnrollmentID,
		"schedule_entry_id": is.EntryID,
		"detail":            is.Detail,
	})
}

// Error reports an operational failure.
func (Rollbar) Error(err error, extras map[string]interface{}) {
	rollbar.Error(err, extras)
}

// Close flushes queued items.
func (Rollbar) Close() {
	rollbar.Close()
}
