package monitor

import "sync"

type EventKind int

const (
	EventSelectionChanged EventKind = iota
	EventBuildsChanged
	EventTimelineChanged
	EventRefreshFailed
)

func (k EventKind) String() string {
	switch k {
	case EventSelectionChanged:
		return "selection_changed"
	case EventBuildsChanged:
		return "builds_changed"
	case EventTimelineChanged:
		return "timeline_changed"
	case EventRefreshFailed:
		return "refresh_failed"
	default:
		return "unknown"
	}
}

// Event tells listeners to re-read the monitor. Err is set for
// EventRefreshFailed only.
type Event struct {
	Kind   EventKind
	Entity Entity
	Err    error
}

const eventBuffer = 16

// notifier fans events out to subscribers without ever blocking the
// publisher. A subscriber that falls behind misses events.
type notifier struct {
	mu        sync.RWMutex
	listeners map[chan Event]struct{}
}

func newNotifier() *notifier {
	return &notifier{listeners: make(map[chan Event]struct{})}
}

func (n *notifier) subscribe() chan Event {
	ch := make(chan Event, eventBuffer)
	n.mu.Lock()
	n.listeners[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

func (n *notifier) unsubscribe(ch chan Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[ch]; !ok {
		return
	}
	delete(n.listeners, ch)
	close(ch)
}

func (n *notifier) broadcast(ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for ch := range n.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.listeners {
		delete(n.listeners, ch)
		close(ch)
	}
}
