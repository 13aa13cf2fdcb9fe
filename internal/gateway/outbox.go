package gateway

import (
	"sync"
	"time"
)

// outboundItem is one frame awaiting delivery to a connection's socket.
type outboundItem struct {
	payload  []byte
	critical bool // exempt from eviction (spec §7: security/pair-approval/error events)
	isEvent  bool // counted in backpressure{dropped}; method replies are not droppable at all
}

// outbox is the bounded, eviction-aware queue standing between a
// connection's inbound/event producers and its single writer goroutine
// (spec §4.1 concurrency contract, §5 "bounded queue"). push evicts the
// oldest non-critical item to make room for a new one when full; if the
// queue is still full after eviction (i.e. full of critical items), the
// connection must be closed with slow-client — signaled via
// closeSignal() rather than done inline, since push is called from the
// event-pump goroutine, not the writer.
type outbox struct {
	mu       sync.Mutex
	items    []outboundItem
	capacity int
	notify   chan struct{} // buffered 1, signals "new item available"
	slow     chan struct{} // closed once, signals "close with slow-client"
	slowOnce sync.Once
	closed   bool
}

func newOutbox(capacity int) *outbox {
	return &outbox{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		slow:     make(chan struct{}),
	}
}

// push enqueues item, evicting the oldest non-critical item first if
// the queue is full. Returns the number of events dropped to make
// room (0 if none were dropped). If the queue is still full after
// evicting every evictable item, the item is enqueued anyway and the
// connection is marked for a slow-client close.
func (o *outbox) push(item outboundItem) (droppedEvents int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	dropped := 0
	for len(o.items) >= o.capacity {
		idx := o.oldestNonCriticalLocked()
		if idx < 0 {
			// Queue is full of critical items: nothing left to evict.
			o.items = append(o.items, item)
			o.signalSlowLocked()
			o.notifyLocked()
			return dropped
		}
		if o.items[idx].isEvent {
			dropped++
		}
		o.items = append(o.items[:idx], o.items[idx+1:]...)
	}
	o.items = append(o.items, item)
	o.notifyLocked()
	return dropped
}

func (o *outbox) oldestNonCriticalLocked() int {
	for i, it := range o.items {
		if !it.critical {
			return i
		}
	}
	return -1
}

func (o *outbox) notifyLocked() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *outbox) signalSlowLocked() {
	o.slowOnce.Do(func() { close(o.slow) })
}

// deliver returns a channel the writer goroutine ranges over; each
// receive pops and returns the oldest queued item. The channel closes
// once the outbox is closed and drained. Call deliver once per
// connection and hold onto the returned channel — each call spawns a
// dedicated pump goroutine.
func (o *outbox) deliver() <-chan outboundItem {
	ch := make(chan outboundItem)
	go func() {
		defer close(ch)
		for {
			o.mu.Lock()
			if len(o.items) == 0 {
				if o.closed {
					o.mu.Unlock()
					return
				}
				o.mu.Unlock()
				select {
				case <-o.notify:
					continue
				case <-time.After(time.Second):
					continue
				}
			}
			item := o.items[0]
			o.items = o.items[1:]
			o.mu.Unlock()
			ch <- item
		}
	}()
	return ch
}

// closeSignal reports when the queue should be torn down as slow-client.
func (o *outbox) closeSignal() <-chan struct{} {
	return o.slow
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.notifyLocked()
}
