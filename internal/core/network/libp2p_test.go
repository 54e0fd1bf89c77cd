package network

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newLoopbackPair(t *testing.T) (*Libp2pPubSub, *Libp2pPubSub) {
	t.Helper()
	ctx := context.Background()
	a, err := NewLibp2pPubSub(ctx, Libp2pOptions{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}})
	if err != nil {
		t.Fatalf("start host a: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	addrs := a.ListenAddrs()
	if len(addrs) == 0 {
		t.Fatal("host a has no listen addrs")
	}
	b, err := NewLibp2pPubSub(ctx, Libp2pOptions{
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		Bootstrap:   addrs[:1],
	})
	if err != nil {
		t.Fatalf("start host b: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	deadline := time.Now().Add(5 * time.Second)
	for len(b.ConnectedPeers()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("hosts did not connect")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := b.ConnectedPeers(); got[0] != a.PeerID() {
		t.Fatalf("expected b connected to %s, got %v", a.PeerID(), got)
	}
	return a, b
}

func collect(t *testing.T, ch <-chan Message, n int) []string {
	t.Helper()
	var got []string
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case msg, ok := <-ch:
			if !ok {
				t.Fatalf("subscription closed after %v", got)
			}
			got = append(got, string(msg.Payload))
		case <-timeout:
			t.Fatalf("expected %d messages, got %v", n, got)
		}
	}
	return got
}

func TestLibp2pReplaysToLateSubscriber(t *testing.T) {
	a, b := newLoopbackPair(t)

	ep, err := a.Advertise("/chatter", "std_msgs/String")
	if err != nil {
		t.Fatalf("advertise: %v", err)
	}
	defer ep.Close()

	buffered := []string{"one", "two", "three"}
	joined := make(chan string, 1)
	ep.OnPeerJoin(func(peer string) {
		for _, m := range buffered {
			if err := ep.SendTo(peer, []byte(m)); err != nil {
				t.Errorf("replay to %s: %v", peer, err)
				return
			}
		}
		select {
		case joined <- peer:
		default:
		}
	})

	ch, cancel, err := b.Subscribe("/chatter")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	got := collect(t, ch, len(buffered))
	for i, want := range buffered {
		if got[i] != want {
			t.Fatalf("expected replay %v, got %v", buffered, got)
		}
	}
	select {
	case peer := <-joined:
		if peer != b.PeerID() {
			t.Fatalf("expected join from %s, got %s", b.PeerID(), peer)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("join listener never finished")
	}

	msgType, ok := b.TopicType("/chatter")
	if !ok || msgType != "std_msgs/String" {
		t.Fatalf("expected b to learn std_msgs/String, got %q (%v)", msgType, ok)
	}

	if err := ep.Send([]byte("live")); err != nil {
		t.Fatalf("send live: %v", err)
	}
	if got := collect(t, ch, 1); got[0] != "live" {
		t.Fatalf("expected live message, got %v", got)
	}
}

func TestLibp2pAdvertiseRejectsConflictingType(t *testing.T) {
	a, b := newLoopbackPair(t)

	ep, err := a.Advertise("/cmd", "std_msgs/String")
	if err != nil {
		t.Fatalf("advertise: %v", err)
	}
	defer ep.Close()
	if _, err := a.Advertise("/cmd", "std_msgs/Int32"); !errors.Is(err, ErrTopicTypeMismatch) {
		t.Fatalf("expected ErrTopicTypeMismatch on a, got %v", err)
	}

	ep.OnPeerJoin(func(peer string) {
		_ = ep.SendTo(peer, []byte("hello"))
	})
	ch, cancel, err := b.Subscribe("/cmd")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	collect(t, ch, 1)

	if _, err := b.Advertise("/cmd", "std_msgs/Int32"); !errors.Is(err, ErrTopicTypeMismatch) {
		t.Fatalf("expected ErrTopicTypeMismatch on b after learning the type, got %v", err)
	}
}

func TestLibp2pSendToUnknownPeer(t *testing.T) {
	a, _ := newLoopbackPair(t)
	ep, err := a.Advertise("/cmd", "std_msgs/String")
	if err != nil {
		t.Fatalf("advertise: %v", err)
	}
	if err := ep.SendTo("not-a-peer-id", []byte("x")); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ep.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}
