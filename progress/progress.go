package progress

// Tracker receives progress events during an install.
// Implementations must be safe for concurrent use from multiple goroutines.
type Tracker interface {
	OnEvent(any)
}

// NewTracker creates a Tracker from a typed callback function.
// The caller works with a concrete event type; the Tracker interface
// stays non-generic so producers of different event types can share it.
func NewTracker[E any](fn func(E)) Tracker {
	return funcTracker(func(v any) {
		if e, ok := v.(E); ok {
			fn(e)
		}
	})
}

// NewChanTracker forwards typed events to ch. A send blocks until the
// receiver takes the event or stop is closed; after that events are dropped,
// so a producer the receiver has stopped listening to never hangs. A nil stop
// blocks for as long as the receiver does.
func NewChanTracker[E any](ch chan<- E, stop <-chan struct{}) Tracker {
	return NewTracker(func(e E) {
		select {
		case ch <- e:
		case <-stop:
		}
	})
}

type funcTracker func(any)

func (f funcTracker) OnEvent(e any) { f(e) }

// Nop is a no-op tracker for callers that don't need progress.
var Nop Tracker = funcTracker(func(any) {})
