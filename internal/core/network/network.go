package network

import (
	"errors"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("bridge/network")

var (
	ErrClosed            = errors.New("transport endpoint closed")
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrTopicTypeMismatch = errors.New("topic already advertised with another type")
)

// Message is the transport envelope used by the runtime.
type Message struct {
	Topic   string
	Payload []byte
}

// PubSub is a minimal interface for broadcast-style communication.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) (<-chan Message, func(), error)
}

// Transport is the publisher-side view of a pubsub runtime. Advertise opens a
// publish endpoint for a topic and TopicType reports the type already in use
// on a topic, if the live topology knows one.
type Transport interface {
	PubSub
	Advertise(topic, msgType string) (Endpoint, error)
	TopicType(topic string) (string, bool)
}

// Endpoint is a single advertised publisher on one topic.
type Endpoint interface {
	Topic() string
	// Send broadcasts payload to every consumer of the topic.
	Send(payload []byte) error
	// SendTo delivers payload to one consumer only.
	SendTo(peer string, payload []byte) error
	// OnPeerJoin registers fn to be called whenever a consumer finishes
	// connecting to the topic. The returned func removes the listener.
	OnPeerJoin(fn func(peer string)) (remove func())
	Close() error
}

// listeners is a small id-keyed set of join callbacks shared by both
// transports.
type listeners struct {
	nextID int
	fns    map[int]func(string)
}

func (l *listeners) add(fn func(string)) int {
	if l.fns == nil {
		l.fns = make(map[int]func(string))
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	return id
}

func (l *listeners) remove(id int) {
	delete(l.fns, id)
}

func (l *listeners) snapshot() []func(string) {
	out := make([]func(string), 0, len(l.fns))
	for _, fn := range l.fns {
		out = append(out, fn)
	}
	return out
}
