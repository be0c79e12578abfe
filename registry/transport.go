package registry

// Transport is an open, writable, long-lived stream to a single client. The
// registry writes frames from dispatch goroutines and from the heartbeat
// task concurrently, so implementations must serialize their own writes.
//
// Any write error marks the connection dead; the registry deregisters it and
// never retries.
type Transport interface {
	// WriteFrame writes one formatted event frame and flushes it.
	WriteFrame(eventType string, data []byte) error
	// WriteComment writes a no-op comment frame used as a keep-alive.
	WriteComment(comment string) error
	// Close releases the stream. It must be idempotent.
	Close() error
	// Closed reports whether the stream is known to be unusable.
	Closed() bool
}
