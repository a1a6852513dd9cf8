package syncdomain

import "time"

// SyncLogEvent is one append-only row in the sync log: every dispatch
// decision, import heartbeat, monitor detection and terminal outcome is
// recorded here for operator visibility.
type SyncLogEvent struct {
	ID                 string
	OrgID              string
	IntegrationID      string
	HighPriorityTaskID string // empty for standard-dispatch events
	Level              string // debug, info, warning, error
	Event              string // e.g. "dispatched", "detected", "completed", "failed"
	Message            string
	Metadata           map[string]interface{}
	CreatedAt          time.Time
}
