package network

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

const memoryPeerPrefix = "mem-"

var _ Transport = (*MemoryPubSub)(nil)

// MemoryPubSub is a process-local transport used for development and tests.
// Every Subscribe call is a consumer with its own peer id; join listeners of
// open endpoints on the topic fire synchronously once the subscription is
// live.
type MemoryPubSub struct {
	mu        sync.RWMutex
	nextID    int
	subs      map[string]map[int]chan Message
	endpoints map[string]map[*memoryEndpoint]struct{}
	declared  map[string]string
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		subs:      make(map[string]map[int]chan Message),
		endpoints: make(map[string]map[*memoryEndpoint]struct{}),
		declared:  make(map[string]string),
	}
}

func (m *MemoryPubSub) Publish(topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs[topic] {
		deliver(ch, topic, payload)
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	m.mu.Lock()
	if _, ok := m.subs[topic]; !ok {
		m.subs[topic] = make(map[int]chan Message)
	}
	id := m.nextID
	m.nextID++
	ch := make(chan Message, 64)
	m.subs[topic][id] = ch

	var joined []func(string)
	for ep := range m.endpoints[topic] {
		joined = append(joined, ep.joinListeners()...)
	}
	m.mu.Unlock()

	// The subscription is already live here, so a publish racing this call can
	// reach the consumer directly and again through a replay. Firing the
	// listeners first would let SendTo miss the consumer instead.
	peer := memoryPeerPrefix + strconv.Itoa(id)
	for _, fn := range joined {
		fn(peer)
	}

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if subsByTopic, ok := m.subs[topic]; ok {
			if sub, exists := subsByTopic[id]; exists {
				delete(subsByTopic, id)
				close(sub)
			}
			if len(subsByTopic) == 0 {
				delete(m.subs, topic)
			}
		}
	}
	return ch, cancel, nil
}

// DeclareType records msgType as the established type of topic, standing in
// for another node of the topology that already uses the topic. An empty
// msgType clears the declaration.
func (m *MemoryPubSub) DeclareType(topic, msgType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msgType == "" {
		delete(m.declared, topic)
		return
	}
	m.declared[topic] = msgType
}

func (m *MemoryPubSub) TopicType(topic string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.topicTypeLocked(topic)
}

func (m *MemoryPubSub) topicTypeLocked(topic string) (string, bool) {
	for ep := range m.endpoints[topic] {
		return ep.msgType, true
	}
	t, ok := m.declared[topic]
	return t, ok
}

func (m *MemoryPubSub) Advertise(topic, msgType string) (Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.topicTypeLocked(topic); ok && existing != msgType {
		return nil, fmt.Errorf("%w: %s is %s, not %s", ErrTopicTypeMismatch, topic, existing, msgType)
	}
	ep := &memoryEndpoint{net: m, topic: topic, msgType: msgType}
	if _, ok := m.endpoints[topic]; !ok {
		m.endpoints[topic] = make(map[*memoryEndpoint]struct{})
	}
	m.endpoints[topic][ep] = struct{}{}
	log.Debugf("memory endpoint advertised on %s as %s", topic, msgType)
	return ep, nil
}

// Consumers reports how many subscriptions are live on topic.
func (m *MemoryPubSub) Consumers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[topic])
}

// Endpoints reports how many advertised endpoints are open on topic.
func (m *MemoryPubSub) Endpoints(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.endpoints[topic])
}

func (m *MemoryPubSub) sendTo(topic, peer string, payload []byte) error {
	id, err := strconv.Atoi(strings.TrimPrefix(peer, memoryPeerPrefix))
	if err != nil || !strings.HasPrefix(peer, memoryPeerPrefix) {
		return fmt.Errorf("%w: %q", ErrUnknownPeer, peer)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.subs[topic][id]
	if !ok {
		return fmt.Errorf("%w: %q on %s", ErrUnknownPeer, peer, topic)
	}
	deliver(ch, topic, payload)
	return nil
}

func (m *MemoryPubSub) removeEndpoint(ep *memoryEndpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eps, ok := m.endpoints[ep.topic]
	if !ok {
		return
	}
	delete(eps, ep)
	if len(eps) == 0 {
		delete(m.endpoints, ep.topic)
	}
}

func deliver(ch chan Message, topic string, payload []byte) {
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	select {
	case ch <- msg:
	default:
		// Non-blocking send to avoid one slow subscriber stalling all publishers.
	}
}

type memoryEndpoint struct {
	net     *MemoryPubSub
	topic   string
	msgType string

	mu        sync.Mutex
	closed    bool
	listeners listeners
}

func (e *memoryEndpoint) Topic() string { return e.topic }

func (e *memoryEndpoint) Send(payload []byte) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.net.Publish(e.topic, payload)
}

func (e *memoryEndpoint) SendTo(peer string, payload []byte) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.net.sendTo(e.topic, peer, payload)
}

func (e *memoryEndpoint) OnPeerJoin(fn func(peer string)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.listeners.add(fn)
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.listeners.remove(id)
	}
}

func (e *memoryEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.listeners = listeners{}
	e.mu.Unlock()
	e.net.removeEndpoint(e)
	return nil
}

func (e *memoryEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *memoryEndpoint) joinListeners() []func(string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listeners.snapshot()
}
