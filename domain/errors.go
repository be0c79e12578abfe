package domain

// ValidationError reports a malformed event spec. It is raised before
// anything is persisted and surfaced synchronously to the producer.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid event: " + e.Reason
}
