// Package publisher multiplexes many bridge clients onto one shared
// transport publisher per channel.
//
// A Registry lazily creates an Endpoint the first time a client registers
// or publishes on a channel, checks every later registration against the
// channel's type, and closes the Endpoint when its last client leaves. Each
// new Endpoint carries a ConsistencyBuffer that replays its first messages
// to consumers that finish connecting shortly after the Endpoint appeared.
package publisher

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("bridge/publisher")

// Option configures a Registry.
type Option func(*Registry)

// WithBufferTimeout sets the consistency buffer window of new endpoints.
func WithBufferTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.deps.bufferTimeout = d
		}
	}
}

// WithClock replaces the wall clock used for buffer windows.
func WithClock(clk clock.Clock) Option {
	return func(r *Registry) {
		if clk != nil {
			r.deps.clock = clk
		}
	}
}

// Info describes one live endpoint.
type Info struct {
	Channel   string   `json:"channel"`
	Type      string   `json:"type"`
	Clients   []string `json:"clients"`
	Buffering bool     `json:"buffering"`
}

// entry guards one channel. An entry that has been dropped from the map is
// marked dead; callers that raced with the drop retry with a fresh entry.
type entry struct {
	mu   sync.Mutex
	ep   *Endpoint
	dead bool
}

// Registry is the process-wide directory from channel name to Endpoint.
// Operations on different channels proceed in parallel; operations on the
// same channel are serialized.
type Registry struct {
	deps endpointDeps

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry builds the registry. The same value usually implements both
// loader and converter (see msgtypes.Registry).
func NewRegistry(transport Transport, loader TypeLoader, converter Converter, opts ...Option) *Registry {
	r := &Registry{
		deps: endpointDeps{
			transport:     transport,
			loader:        loader,
			converter:     converter,
			clock:         clock.New(),
			bufferTimeout: DefaultBufferTimeout,
		},
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds clientID as a publisher on channel, creating the channel's
// endpoint if needed. An empty msgType means "use the established type".
func (r *Registry) Register(clientID, channel, msgType string) error {
	e := r.lock(channel)
	defer e.mu.Unlock()

	created, err := r.ensureLocked(channel, msgType, e)
	if err != nil {
		return err
	}
	if msgType != "" && !created {
		if err := e.ep.VerifyType(msgType); err != nil {
			return err
		}
	}
	e.ep.RegisterClient(clientID)
	return nil
}

// Unregister removes clientID from channel and closes the endpoint once no
// client is left. Unknown channels and clients are ignored.
func (r *Registry) Unregister(clientID, channel string) {
	e, ok := r.lockExisting(channel)
	if !ok {
		return
	}
	defer e.mu.Unlock()
	if e.ep == nil {
		return
	}
	e.ep.UnregisterClient(clientID)
	if e.ep.HasClients() {
		return
	}
	if err := e.ep.Close(); err != nil {
		log.Warnf("unregister %s: %v", channel, err)
	}
	e.ep = nil
	r.drop(channel, e)
}

// UnregisterAll removes clientID from every channel.
func (r *Registry) UnregisterAll(clientID string) {
	for _, channel := range r.Channels() {
		r.Unregister(clientID, channel)
	}
}

// Publish sends raw on channel, implicitly registering clientID with the
// channel's established type when needed.
func (r *Registry) Publish(clientID, channel string, raw map[string]any) error {
	e := r.lock(channel)
	defer e.mu.Unlock()

	created, err := r.ensureLocked(channel, "", e)
	if err != nil {
		return err
	}
	known := e.ep.HasClient(clientID)
	e.ep.RegisterClient(clientID)
	if err := e.ep.Publish(raw); err != nil {
		switch {
		case created:
			_ = e.ep.Close()
			e.ep = nil
			r.drop(channel, e)
		case !known:
			e.ep.UnregisterClient(clientID)
		}
		return err
	}
	return nil
}

// Channels lists the channels that currently have an entry. That includes a
// channel whose endpoint is still being created by a concurrent Register or
// Publish and may fail to appear; callers lock the entry and skip it when it
// has no endpoint.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for channel := range r.entries {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}

// Snapshot describes every live endpoint, sorted by channel.
func (r *Registry) Snapshot() []Info {
	var out []Info
	for _, channel := range r.Channels() {
		e, ok := r.lockExisting(channel)
		if !ok {
			continue
		}
		if e.ep != nil {
			out = append(out, Info{
				Channel:   channel,
				Type:      e.ep.MessageType(),
				Clients:   e.ep.Clients(),
				Buffering: e.ep.Buffering(),
			})
		}
		e.mu.Unlock()
	}
	return out
}

// Close tears down every endpoint regardless of clients. Used at shutdown.
func (r *Registry) Close() {
	for _, channel := range r.Channels() {
		e, ok := r.lockExisting(channel)
		if !ok {
			continue
		}
		if e.ep != nil {
			if err := e.ep.Close(); err != nil {
				log.Warnf("close %s: %v", channel, err)
			}
			e.ep = nil
		}
		r.drop(channel, e)
		e.mu.Unlock()
	}
}

// ensureLocked creates the endpoint for an entry that has none. On failure
// the entry is dropped so the registry looks as it did before the call.
func (r *Registry) ensureLocked(channel, msgType string, e *entry) (bool, error) {
	if e.ep != nil {
		return false, nil
	}
	ep, err := newEndpoint(channel, msgType, r.deps)
	if err != nil {
		r.drop(channel, e)
		return false, err
	}
	e.ep = ep
	return true, nil
}

// lock returns the locked live entry for channel, creating one if needed.
func (r *Registry) lock(channel string) *entry {
	for {
		r.mu.Lock()
		e, ok := r.entries[channel]
		if !ok {
			e = &entry{}
			r.entries[channel] = e
		}
		r.mu.Unlock()

		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

// lockExisting is lock without creation.
func (r *Registry) lockExisting(channel string) (*entry, bool) {
	for {
		r.mu.Lock()
		e, ok := r.entries[channel]
		r.mu.Unlock()
		if !ok {
			return nil, false
		}

		e.mu.Lock()
		if !e.dead {
			return e, true
		}
		e.mu.Unlock()
	}
}

// drop removes a locked entry from the map.
func (r *Registry) drop(channel string, e *entry) {
	e.dead = true
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[channel] == e {
		delete(r.entries, channel)
	}
}
