package engine

// SupportedEventTypes lists every event the enrollment platform emits.
// Subscriptions may only subscribe to events from this set.
var SupportedEventTypes = []string{
	"enrollment.created",
	"enrollment.updated",
	"enrollment.completed",
	"document.uploaded",
	"document.processed",
	"interview.scheduled",
	"interview.completed",
}

// IsSupportedEventType reports whether eventType is emitted by the platform.
func IsSupportedEventType(eventType string) bool {
	for _, et := range SupportedEventTypes {
		if et == eventType {
			return true
		}
	}
	return false
}
