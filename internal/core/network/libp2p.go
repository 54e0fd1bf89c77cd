package network

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	p2pnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/vmihailenco/msgpack/v5"
)

// ReplayProtocol carries buffered messages to a single late-joining peer.
const ReplayProtocol = protocol.ID("/clawdcity/bridge/replay/1.0.0")

const replayTimeout = 5 * time.Second

var _ Transport = (*Libp2pPubSub)(nil)

// Libp2pOptions configures the libp2p transport.
type Libp2pOptions struct {
	ListenAddrs     []string
	Bootstrap       []string
	Rendezvous      string
	EnableMDNS      bool
	IdentityKeyFile string
}

// Libp2pPubSub provides gossip-based pubsub over libp2p.
type Libp2pPubSub struct {
	ctx    context.Context
	cancel context.CancelFunc

	host host.Host
	ps   *pubsub.PubSub

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	types  map[string]string
	nextID int
	local  map[string]map[int]chan Message
}

func NewLibp2pPubSub(parent context.Context, opts Libp2pOptions) (*Libp2pPubSub, error) {
	ctx, cancel := context.WithCancel(parent)

	listenAddrs := make([]ma.Multiaddr, 0, len(opts.ListenAddrs))
	for _, s := range opts.ListenAddrs {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		listenAddrs = append(listenAddrs, a)
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		listenAddrs = append(listenAddrs, a)
	}

	libp2pOpts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		libp2pOpts = append(libp2pOpts, libp2p.Identity(key))
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	p := &Libp2pPubSub{
		ctx:    ctx,
		cancel: cancel,
		host:   h,
		ps:     ps,
		topics: make(map[string]*pubsub.Topic),
		types:  make(map[string]string),
		local:  make(map[string]map[int]chan Message),
	}
	h.SetStreamHandler(ReplayProtocol, p.handleReplayStream)

	if opts.EnableMDNS {
		service := mdns.NewMdnsService(h, opts.Rendezvous, &mdnsNotifee{host: h})
		if err := service.Start(); err != nil {
			log.Warnf("mdns start error: %v", err)
		}
	}

	for _, raw := range opts.Bootstrap {
		if raw == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			log.Warnf("skip bootstrap addr %q: %v", raw, err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Warnf("skip bootstrap addr %q: %v", raw, err)
			continue
		}
		if err := h.Connect(ctx, *info); err != nil {
			log.Warnf("bootstrap connect failed %s: %v", info.ID, err)
		} else {
			log.Infof("connected bootstrap peer %s", info.ID)
		}
	}

	return p, nil
}

func (p *Libp2pPubSub) Publish(topic string, payload []byte) error {
	t, err := p.getOrJoinTopic(topic)
	if err != nil {
		return err
	}
	msgType, _ := p.TopicType(topic)
	frame, err := encodeEnvelope(msgType, payload)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return t.Publish(p.ctx, frame)
}

func (p *Libp2pPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	t, err := p.getOrJoinTopic(topic)
	if err != nil {
		return nil, nil, err
	}
	// Register locally first: our subscription announcement can trigger a
	// replay stream before t.Subscribe returns.
	out := make(chan Message, 64)
	id := p.addLocal(topic, out)
	sub, err := t.Subscribe()
	if err != nil {
		p.removeLocal(topic, id)
		return nil, nil, err
	}

	subCtx, subCancel := context.WithCancel(p.ctx)
	go func() {
		defer p.removeLocal(topic, id)
		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			env, err := decodeEnvelope(msg.Data)
			if err != nil {
				log.Debugf("drop undecodable frame on %s from %s: %v", topic, msg.ReceivedFrom, err)
				continue
			}
			if env.Type != "" {
				p.learnType(topic, env.Type)
			}
			p.mu.Lock()
			if _, live := p.local[topic][id]; live {
				deliver(out, topic, env.Payload)
			}
			p.mu.Unlock()
		}
	}()

	cancel := func() {
		subCancel()
		sub.Cancel()
	}
	return out, cancel, nil
}

// Advertise joins topic and returns an endpoint whose join listeners fire on
// gossipsub PeerJoin events.
func (p *Libp2pPubSub) Advertise(topic, msgType string) (Endpoint, error) {
	if existing, ok := p.TopicType(topic); ok && existing != msgType {
		return nil, fmt.Errorf("%w: %s is %s, not %s", ErrTopicTypeMismatch, topic, existing, msgType)
	}
	t, err := p.getOrJoinTopic(topic)
	if err != nil {
		return nil, err
	}
	events, err := t.EventHandler()
	if err != nil {
		return nil, fmt.Errorf("topic event handler: %w", err)
	}
	p.learnType(topic, msgType)

	ctx, cancel := context.WithCancel(p.ctx)
	ep := &libp2pEndpoint{
		net:     p,
		topic:   topic,
		msgType: msgType,
		handle:  t,
		events:  events,
		cancel:  cancel,
	}
	go ep.watchPeers(ctx)
	log.Infof("advertised %s as %s", topic, msgType)
	return ep, nil
}

func (p *Libp2pPubSub) TopicType(topic string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.types[topic]
	return t, ok
}

func (p *Libp2pPubSub) Close() error {
	p.cancel()
	p.host.RemoveStreamHandler(ReplayProtocol)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		_ = t.Close()
	}
	return p.host.Close()
}

func (p *Libp2pPubSub) PeerID() string {
	return p.host.ID().String()
}

func (p *Libp2pPubSub) ListenAddrs() []string {
	out := make([]string, 0, len(p.host.Addrs()))
	for _, addr := range p.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), p.host.ID().String()))
	}
	return out
}

func (p *Libp2pPubSub) ConnectedPeers() []string {
	peers := p.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

func (p *Libp2pPubSub) getOrJoinTopic(name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	t, err := p.ps.Join(name)
	if err != nil {
		return nil, err
	}
	p.topics[name] = t
	return t, nil
}

func (p *Libp2pPubSub) learnType(topic, msgType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.types[topic]; !ok {
		p.types[topic] = msgType
	}
}

func (p *Libp2pPubSub) addLocal(topic string, ch chan Message) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.local[topic]; !ok {
		p.local[topic] = make(map[int]chan Message)
	}
	id := p.nextID
	p.nextID++
	p.local[topic][id] = ch
	return id
}

func (p *Libp2pPubSub) removeLocal(topic string, id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs, ok := p.local[topic]
	if !ok {
		return
	}
	if ch, exists := subs[id]; exists {
		delete(subs, id)
		close(ch)
	}
	if len(subs) == 0 {
		delete(p.local, topic)
	}
}

func (p *Libp2pPubSub) sendTo(topic, msgType, target string, payload []byte) error {
	pid, err := peer.Decode(target)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnknownPeer, target, err)
	}
	ctx, cancel := context.WithTimeout(p.ctx, replayTimeout)
	defer cancel()
	s, err := p.host.NewStream(ctx, pid, ReplayProtocol)
	if err != nil {
		return fmt.Errorf("open replay stream to %s: %w", pid, err)
	}
	_ = s.SetWriteDeadline(time.Now().Add(replayTimeout))
	if err := msgpack.NewEncoder(s).Encode(replayFrame{Topic: topic, Type: msgType, Payload: payload}); err != nil {
		_ = s.Reset()
		return fmt.Errorf("write replay frame: %w", err)
	}
	return s.Close()
}

// handleReplayStream feeds replayed frames to the local subscribers of the
// frame's topic, the same way gossip traffic reaches them.
func (p *Libp2pPubSub) handleReplayStream(s p2pnet.Stream) {
	defer s.Close()
	_ = s.SetReadDeadline(time.Now().Add(replayTimeout))
	dec := msgpack.NewDecoder(s)
	for {
		var frame replayFrame
		if err := dec.Decode(&frame); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("replay stream from %s: %v", s.Conn().RemotePeer(), err)
			}
			return
		}
		if frame.Type != "" {
			p.learnType(frame.Topic, frame.Type)
		}
		p.mu.Lock()
		for _, ch := range p.local[frame.Topic] {
			deliver(ch, frame.Topic, frame.Payload)
		}
		p.mu.Unlock()
	}
}

type libp2pEndpoint struct {
	net     *Libp2pPubSub
	topic   string
	msgType string
	handle  *pubsub.Topic
	events  *pubsub.TopicEventHandler
	cancel  context.CancelFunc

	mu        sync.Mutex
	closed    bool
	listeners listeners
}

func (e *libp2pEndpoint) Topic() string { return e.topic }

func (e *libp2pEndpoint) Send(payload []byte) error {
	if e.isClosed() {
		return ErrClosed
	}
	frame, err := encodeEnvelope(e.msgType, payload)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return e.handle.Publish(e.net.ctx, frame)
}

func (e *libp2pEndpoint) SendTo(target string, payload []byte) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.net.sendTo(e.topic, e.msgType, target, payload)
}

func (e *libp2pEndpoint) OnPeerJoin(fn func(peer string)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.listeners.add(fn)
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.listeners.remove(id)
	}
}

func (e *libp2pEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.listeners = listeners{}
	e.mu.Unlock()
	e.cancel()
	e.events.Cancel()
	return nil
}

func (e *libp2pEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *libp2pEndpoint) watchPeers(ctx context.Context) {
	for {
		ev, err := e.events.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		if ev.Type != pubsub.PeerJoin {
			continue
		}
		e.mu.Lock()
		fns := e.listeners.snapshot()
		e.mu.Unlock()
		for _, fn := range fns {
			fn(ev.Peer.String())
		}
	}
}

type mdnsNotifee struct {
	host host.Host
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if err := n.host.Connect(context.Background(), info); err != nil {
		log.Warnf("mdns connect failed %s: %v", info.ID, err)
	}
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
