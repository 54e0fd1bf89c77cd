package publisher

import (
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"ClawdCity-Bridge/internal/core/network"
	"ClawdCity-Bridge/internal/msgtypes"
)

// Transport is the subset of the pubsub runtime an endpoint needs.
type Transport interface {
	Advertise(channel, msgType string) (network.Endpoint, error)
	TopicType(channel string) (string, bool)
}

// TypeLoader resolves a type name into a canonical schema handle.
type TypeLoader interface {
	Resolve(msgType string) (*msgtypes.Schema, error)
}

// Converter turns a JSON-like payload into a typed instance.
type Converter interface {
	ToInstance(raw map[string]any, schema *msgtypes.Schema) (msgtypes.Instance, error)
}

type endpointDeps struct {
	transport     Transport
	loader        TypeLoader
	converter     Converter
	clock         clock.Clock
	bufferTimeout time.Duration
}

// Endpoint is the single publisher for one channel, shared by every client
// that publishes there. It is not safe for concurrent use on its own; the
// Registry serializes access per channel.
type Endpoint struct {
	channel   string
	msgType   string
	schema    *msgtypes.Schema
	handle    network.Endpoint
	loader    TypeLoader
	converter Converter
	clients   map[string]struct{}
	buffer    *ConsistencyBuffer

	// send is the interception point swapped by the consistency buffer.
	send sendFunc
}

func newEndpoint(channel, msgType string, deps endpointDeps) (*Endpoint, error) {
	established, known := deps.transport.TopicType(channel)
	if msgType == "" && !known {
		return nil, fmt.Errorf("%w: %s", ErrChannelTypeUnknown, channel)
	}
	if msgType == "" {
		msgType = established
	}
	if known && established != msgType {
		return nil, fmt.Errorf("%w: %s is established as %s, requested %s", ErrTypeConflict, channel, established, msgType)
	}

	schema, err := deps.loader.Resolve(msgType)
	if err != nil {
		return nil, err
	}

	handle, err := deps.transport.Advertise(channel, schema.Name)
	if err != nil {
		return nil, fmt.Errorf("advertise %s: %w", channel, err)
	}

	ep := &Endpoint{
		channel:   channel,
		msgType:   schema.Name,
		schema:    schema,
		handle:    handle,
		loader:    deps.loader,
		converter: deps.converter,
		clients:   make(map[string]struct{}),
		send:      handle.Send,
	}
	ep.buffer = newConsistencyBuffer(deps.clock, deps.bufferTimeout)
	if err := ep.buffer.Attach(ep); err != nil {
		_ = handle.Close()
		return nil, err
	}
	log.Infof("publisher created on %s as %s", channel, schema.Name)
	return ep, nil
}

func (e *Endpoint) Channel() string { return e.channel }

func (e *Endpoint) MessageType() string { return e.msgType }

// VerifyType fails with ErrTypeConflict unless msgType resolves to this
// endpoint's schema.
func (e *Endpoint) VerifyType(msgType string) error {
	schema, err := e.loader.Resolve(msgType)
	if err != nil {
		return err
	}
	if schema != e.schema {
		return fmt.Errorf("%w: %s is established as %s, requested %s", ErrTypeConflict, e.channel, e.msgType, msgType)
	}
	return nil
}

// Publish converts raw into an instance of the endpoint's type and sends it.
// An expired consistency buffer is detached first.
func (e *Endpoint) Publish(raw map[string]any) error {
	if e.buffer.Attached() && e.buffer.TimedOut() {
		e.buffer.Detach()
	}

	inst, err := e.converter.ToInstance(raw, e.schema)
	if err != nil {
		return err
	}
	payload, err := inst.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.msgType, err)
	}
	return e.send(payload)
}

func (e *Endpoint) RegisterClient(id string) {
	e.clients[id] = struct{}{}
}

// UnregisterClient removes id; unknown ids are ignored.
func (e *Endpoint) UnregisterClient(id string) {
	delete(e.clients, id)
}

func (e *Endpoint) HasClients() bool {
	return len(e.clients) != 0
}

func (e *Endpoint) HasClient(id string) bool {
	_, ok := e.clients[id]
	return ok
}

// Clients returns the registered client ids in sorted order.
func (e *Endpoint) Clients() []string {
	out := make([]string, 0, len(e.clients))
	for id := range e.clients {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Buffering reports whether the consistency buffer is still recording.
func (e *Endpoint) Buffering() bool {
	return e.buffer.Attached() && !e.buffer.TimedOut()
}

// Close closes the transport endpoint and forgets every client.
func (e *Endpoint) Close() error {
	e.buffer.Detach()
	e.clients = make(map[string]struct{})
	if err := e.handle.Close(); err != nil {
		return fmt.Errorf("close %s: %w", e.channel, err)
	}
	log.Infof("publisher closed on %s", e.channel)
	return nil
}
