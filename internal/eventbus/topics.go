package eventbus

// Event types published by the relay.
const (
	ConnectionState = "connection.state"

	DispatchReceived  = "dispatch.received"
	DispatchFiltered  = "dispatch.filtered"
	DispatchSucceeded = "dispatch.succeeded"
	DispatchFailed    = "dispatch.failed"

	NotifierQueued  = "notifier.queued"
	NotifierDeduped = "notifier.deduped"
	NotifierSent    = "notifier.sent"
	NotifierFailed  = "notifier.failed"
	NotifierDropped = "notifier.dropped"
)

// Emit publishes on b if it is non-nil.
func Emit(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Data: data})
}
