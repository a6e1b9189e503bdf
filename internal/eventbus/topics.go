package eventbus

// Event types published by the live pipeline.
const (
	TypeCycleCompleted = "live.cycle"
	TypeSnapshotStale  = "live.stale"
	TypeFetchFailed    = "live.fetch_failed"
	TypeFeedLost       = "live.feed_unavailable"
	TypeFeedRestored   = "live.feed_restored"
	TypeSessionStatus  = "live.session_status"
	TypeTaskStopped    = "live.task_stopped"
	TypeEventAdmitted  = "ledger.admitted"
	TypeLedgerEvicted  = "ledger.evicted"
	TypeDispatchSent   = "dispatch.sent"
	TypeDispatchFailed = "dispatch.failed"
	TypeDispatchDrop   = "dispatch.dropped"
	TypeJobFinished    = "scheduler.job_finished"
)
