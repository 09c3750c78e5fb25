package sync

import (
	gosync "sync"
)

// Notifier wakes long-polling sync requests when new data lands, so
// clients see appends before the next poll tick.
type Notifier struct {
	mu          gosync.RWMutex
	subscribers map[string]map[int64]chan struct{}
	nextID      int64
}

// NewNotifier constructs an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{subscribers: make(map[string]map[int64]chan struct{})}
}

// Subscribe registers interest in wakeups for the given user. The returned
// cancel func must be called when the poll ends.
func (n *Notifier) Subscribe(userID string) (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	stream := make(chan struct{}, 1)

	perUser, ok := n.subscribers[userID]
	if !ok {
		perUser = make(map[int64]chan struct{})
		n.subscribers[userID] = perUser
	}
	perUser[id] = stream

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(perUser, id)
		if len(perUser) == 0 {
			delete(n.subscribers, userID)
		}
	}
	return stream, cancel
}

// Wake signals the given users' pollers. A poller that already has a
// pending signal is not blocked on.
func (n *Notifier) Wake(userIDs ...string) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, userID := range userIDs {
		for _, stream := range n.subscribers[userID] {
			select {
			case stream <- struct{}{}:
			default:
			}
		}
	}
}

// WakeAll signals every active poller.
func (n *Notifier) WakeAll() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, perUser := range n.subscribers {
		for _, stream := range perUser {
			select {
			case stream <- struct{}{}:
			default:
			}
		}
	}
}
