package store

import (
	"sync"

	"github.com/tacmap/tacsync/internal/model"
)

// Change identifies an entity whose merged value changed. Rendering
// collaborators re-read the snapshot for the entities they care about.
type Change struct {
	Entity   model.EntityType `json:"entity"`
	EntityID string           `json:"entityId"`
}

// notifier fans out change events to subscribers. Sends never block:
// a subscriber that falls behind loses individual events but can
// always recover from a fresh snapshot.
type notifier struct {
	mu   sync.Mutex
	subs map[int]chan Change
	next int
}

func (n *notifier) publish(changes []Change) {
	if len(changes) == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range changes {
		for _, sub := range n.subs {
			select {
			case sub <- ch:
			default:
			}
		}
	}
}

// Subscribe registers a change listener. The returned cancel func
// unregisters and closes the channel; it is safe to call twice.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Change, buffer)

	n := &s.notifier
	n.mu.Lock()
	if n.subs == nil {
		n.subs = make(map[int]chan Change)
	}
	id := n.next
	n.next++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
