package publisher

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultBufferTimeout is how long a new endpoint keeps recording outgoing
// messages for late-connecting consumers.
const DefaultBufferTimeout = time.Second

type sendFunc func(payload []byte) error

// ConsistencyBuffer covers the window between advertising an endpoint and
// its consumers finishing their connection. While attached and inside the
// window it records every outgoing message and replays the recording, in
// order, to each consumer that connects. Afterwards it only forwards.
//
// A buffer is single-use: once detached it cannot be attached again.
type ConsistencyBuffer struct {
	clock   clock.Clock
	timeout time.Duration

	mu          sync.Mutex
	ep          *Endpoint
	next        sendFunc
	removeJoin  func()
	established time.Time
	buffered    [][]byte
	attached    bool
}

func newConsistencyBuffer(clk clock.Clock, timeout time.Duration) *ConsistencyBuffer {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = DefaultBufferTimeout
	}
	return &ConsistencyBuffer{clock: clk, timeout: timeout}
}

// Attach routes ep's send path through the buffer and starts listening for
// consumer connections on ep's transport endpoint.
func (b *ConsistencyBuffer) Attach(ep *Endpoint) error {
	b.mu.Lock()
	if b.ep != nil {
		b.mu.Unlock()
		return ErrBufferAttached
	}
	b.ep = ep
	b.next = ep.send
	b.established = b.clock.Now()
	b.buffered = nil
	b.attached = true
	b.mu.Unlock()

	ep.send = b.send
	b.removeJoin = ep.handle.OnPeerJoin(b.onConsumerConnected)
	return nil
}

// Detach restores the endpoint's original send path and stops listening for
// consumer connections. Calling it more than once is harmless.
func (b *ConsistencyBuffer) Detach() {
	b.mu.Lock()
	if !b.attached {
		b.mu.Unlock()
		return
	}
	b.attached = false
	b.buffered = nil
	ep, next, removeJoin := b.ep, b.next, b.removeJoin
	b.mu.Unlock()

	ep.send = next
	if removeJoin != nil {
		removeJoin()
	}
	log.Debugf("consistency buffer detached from %s", ep.channel)
}

func (b *ConsistencyBuffer) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attached
}

// TimedOut reports whether the buffering window has elapsed.
func (b *ConsistencyBuffer) TimedOut() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timedOutLocked()
}

func (b *ConsistencyBuffer) timedOutLocked() bool {
	return b.clock.Now().Sub(b.established) > b.timeout
}

// Buffered returns how many messages are currently recorded.
func (b *ConsistencyBuffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffered)
}

func (b *ConsistencyBuffer) send(payload []byte) error {
	b.mu.Lock()
	if b.attached && !b.timedOutLocked() {
		b.buffered = append(b.buffered, payload)
	}
	next := b.next
	b.mu.Unlock()
	return next(payload)
}

// onConsumerConnected runs on the transport's event goroutine. Past the
// window it does nothing; detaching is left to the next publish.
func (b *ConsistencyBuffer) onConsumerConnected(peer string) {
	b.mu.Lock()
	if !b.attached || b.timedOutLocked() {
		b.mu.Unlock()
		return
	}
	msgs := append([][]byte(nil), b.buffered...)
	handle, channel := b.ep.handle, b.ep.channel
	b.mu.Unlock()

	if len(msgs) == 0 {
		return
	}
	log.Debugf("replaying %d buffered messages on %s to %s", len(msgs), channel, peer)
	for _, msg := range msgs {
		if err := handle.SendTo(peer, msg); err != nil {
			log.Warnf("replay to %s on %s stopped: %v", peer, channel, err)
			return
		}
	}
}
