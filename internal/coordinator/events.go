package coordinator

import "time"

// EventType names a leadership lifecycle event.
type EventType string

const (
	EventLeading        EventType = "leading"
	EventStandingDown   EventType = "standingDown"
	EventLostLeadership EventType = "lost-leadership"
)

// Event is delivered to subscribers.
type Event struct {
	Type    EventType
	OwnerID string
	Reason  string
	At      time.Time
}

// Subscribe returns a channel of lifecycle events and a function that
// cancels the subscription. Events are dropped for a subscriber whose
// buffer is full. The channel is closed when the coordinator terminates.
func (c *Coordinator) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

func (c *Coordinator) emit(t EventType, reason string) {
	ev := Event{Type: t, OwnerID: c.owner, Reason: reason, At: c.clock.Now()}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Debug("coordinator.event.dropped", "event", string(t), "subscriber", id)
		}
	}
}

func (c *Coordinator) closeSubscribers() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.closed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}
