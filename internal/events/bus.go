// Package events implements the single-process publish/subscribe bus that
// streams download state changes to connected clients, grounded verbatim
// on anyuan-chen-splitter's ProgressBroadcaster: a single goroutine
// owning a client-set map, fed by newClients/closingClients/events
// channels, extended per spec §4.11 with bounded per-subscriber buffers,
// Resync-on-overflow, and a heartbeat ticker.
package events

import (
	"time"
)

// Kind names the three SSE event types spec §6/§4.11 name.
type Kind string

const (
	KindDownloadChanged Kind = "DownloadChanged"
	KindResync          Kind = "Resync"
	KindHeartbeat       Kind = "Heartbeat"
)

// DownloadChanged is the payload carried by a KindDownloadChanged event.
type DownloadChanged struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Priority   int       `json:"priority"`
	RetryCount int       `json:"retry_count"`
	BytesDone  int64     `json:"bytes_done"`
	BytesTotal int64     `json:"bytes_total"`
	ErrorCode  string    `json:"error_code,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Event is one message delivered to subscribers. Payload is nil for
// KindResync and KindHeartbeat.
type Event struct {
	Kind    Kind
	Payload *DownloadChanged
}

const subscriberBuffer = 128

// Subscriber is a bounded, owned inbox for one connected client. The bus
// never blocks on it: a full buffer drops the oldest pending event,
// records an overflow and queues a Resync event for the client.
type Subscriber struct {
	ch       chan Event
	overflow bool
}

// Events returns the channel to range over for delivery.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Bus is the process-wide download event broadcaster.
type Bus struct {
	events         chan Event
	newClients     chan *Subscriber
	closingClients chan *Subscriber
	clients        map[*Subscriber]bool
	stop           chan struct{}
}

// New builds and starts a Bus. Call Close to stop its goroutine and the
// heartbeat ticker.
func New() *Bus {
	b := &Bus{
		events:         make(chan Event, 256),
		newClients:     make(chan *Subscriber),
		closingClients: make(chan *Subscriber),
		clients:        make(map[*Subscriber]bool),
		stop:           make(chan struct{}),
	}
	go b.run()
	go b.heartbeatLoop()
	return b
}

func (b *Bus) run() {
	for {
		select {
		case sub := <-b.newClients:
			b.clients[sub] = true
		case sub := <-b.closingClients:
			delete(b.clients, sub)
			close(sub.ch)
		case ev := <-b.events:
			for sub := range b.clients {
				b.deliver(sub, ev)
			}
		case <-b.stop:
			for sub := range b.clients {
				close(sub.ch)
			}
			return
		}
	}
}

func (b *Bus) deliver(sub *Subscriber, ev Event) {
	select {
	case sub.ch <- ev:
	default:
		// buffer full: drop the oldest queued event to make room, then
		// mark overflow so the subscriber learns to resync instead of
		// trusting a gap in the stream.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
		sub.overflow = true
		select {
		case sub.ch <- Event{Kind: KindResync}:
		default:
			// still full after pushing ev: drop one more oldest event so
			// the Resync marker is actually queued.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- Event{Kind: KindResync}:
			default:
			}
		}
	}
}

func (b *Bus) heartbeatLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.events <- Event{Kind: KindHeartbeat}
		case <-b.stop:
			return
		}
	}
}

// Publish broadcasts a DownloadChanged event to every subscriber. It
// never blocks on a slow subscriber.
func (b *Bus) Publish(payload DownloadChanged) {
	b.events <- Event{Kind: KindDownloadChanged, Payload: &payload}
}

// Subscribe registers a new subscriber and returns it; the caller must
// Unsubscribe when the client disconnects.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan Event, subscriberBuffer)}
	b.newClients <- sub
	return sub
}

// Unsubscribe removes sub from the broadcast set and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.closingClients <- sub
}

// Close stops the bus's goroutines. Safe to call once at shutdown.
func (b *Bus) Close() {
	close(b.stop)
}
