package eventbus

// Event names emitted by the SDK.
const (
	EventInit        = "flags.init"
	EventReady       = "flags.ready"
	EventFetchStart  = "flags.fetch_start"
	EventFetchEnd    = "flags.fetch_end"
	EventError       = "flags.error"
	EventRecovered   = "flags.recovered"
	EventChange      = "flags.change"
	EventRemoved     = "flags.removed"
	EventSync        = "flags.sync"
	EventPendingSync = "flags.pending_sync"
	EventImpression  = "flags.impression"
	EventMetricsSent = "flags.metrics_sent"
	EventMetricsErr  = "flags.metrics_error"
)

// FlagChangeEvent is the per-flag event emitted when the realtime value of
// flag name is created or updated.
func FlagChangeEvent(name string) string {
	return "flags." + name + ".change"
}

// FlagSyncedEvent is the per-flag event emitted when the synchronized value
// of flag name is created or updated.
func FlagSyncedEvent(name string) string {
	return "flags." + name + ".synced"
}
