package network

import (
	"errors"
	"testing"
)

func TestMemoryPublishReachesAllSubscribers(t *testing.T) {
	m := NewMemoryPubSub()
	a, cancelA, err := m.Subscribe("/chatter")
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	defer cancelA()
	b, cancelB, err := m.Subscribe("/chatter")
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	defer cancelB()

	if err := m.Publish("/chatter", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for name, ch := range map[string]<-chan Message{"a": a, "b": b} {
		select {
		case msg := <-ch:
			if string(msg.Payload) != "hello" || msg.Topic != "/chatter" {
				t.Fatalf("%s got unexpected message %+v", name, msg)
			}
		default:
			t.Fatalf("%s received nothing", name)
		}
	}
}

func TestMemoryAdvertiseEstablishesTopicType(t *testing.T) {
	m := NewMemoryPubSub()
	if _, ok := m.TopicType("/cmd"); ok {
		t.Fatal("expected no type before advertise")
	}
	ep, err := m.Advertise("/cmd", "std_msgs/String")
	if err != nil {
		t.Fatalf("advertise: %v", err)
	}
	got, ok := m.TopicType("/cmd")
	if !ok || got != "std_msgs/String" {
		t.Fatalf("expected std_msgs/String, got %q (%v)", got, ok)
	}
	if _, err := m.Advertise("/cmd", "std_msgs/Int32"); !errors.Is(err, ErrTopicTypeMismatch) {
		t.Fatalf("expected ErrTopicTypeMismatch, got %v", err)
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := m.TopicType("/cmd"); ok {
		t.Fatal("expected type to be released after last endpoint closed")
	}
	if m.Endpoints("/cmd") != 0 {
		t.Fatalf("expected no endpoints, got %d", m.Endpoints("/cmd"))
	}
}

func TestMemoryDeclaredTypeIsVisible(t *testing.T) {
	m := NewMemoryPubSub()
	m.DeclareType("/odom", "geometry_msgs/Twist")
	if got, ok := m.TopicType("/odom"); !ok || got != "geometry_msgs/Twist" {
		t.Fatalf("expected declared type, got %q (%v)", got, ok)
	}
	m.DeclareType("/odom", "")
	if _, ok := m.TopicType("/odom"); ok {
		t.Fatal("expected declaration cleared")
	}
}

func TestMemoryJoinListenerAndTargetedSend(t *testing.T) {
	m := NewMemoryPubSub()
	ep, err := m.Advertise("/cmd", "std_msgs/String")
	if err != nil {
		t.Fatalf("advertise: %v", err)
	}
	defer ep.Close()

	early, cancelEarly, err := m.Subscribe("/cmd")
	if err != nil {
		t.Fatalf("subscribe early: %v", err)
	}
	defer cancelEarly()

	var joined []string
	remove := ep.OnPeerJoin(func(peer string) {
		joined = append(joined, peer)
		if err := ep.SendTo(peer, []byte("welcome")); err != nil {
			t.Errorf("send to %s: %v", peer, err)
		}
	})

	late, cancelLate, err := m.Subscribe("/cmd")
	if err != nil {
		t.Fatalf("subscribe late: %v", err)
	}
	defer cancelLate()

	if len(joined) != 1 {
		t.Fatalf("expected one join event, got %v", joined)
	}
	select {
	case msg := <-late:
		if string(msg.Payload) != "welcome" {
			t.Fatalf("unexpected payload %q", msg.Payload)
		}
	default:
		t.Fatal("late subscriber did not get targeted message")
	}
	select {
	case msg := <-early:
		t.Fatalf("early subscriber should not get targeted message, got %q", msg.Payload)
	default:
	}

	remove()
	_, cancelThird, err := m.Subscribe("/cmd")
	if err != nil {
		t.Fatalf("subscribe third: %v", err)
	}
	defer cancelThird()
	if len(joined) != 1 {
		t.Fatalf("listener fired after removal: %v", joined)
	}
}

func TestMemorySendToUnknownPeer(t *testing.T) {
	m := NewMemoryPubSub()
	ep, err := m.Advertise("/cmd", "std_msgs/String")
	if err != nil {
		t.Fatalf("advertise: %v", err)
	}
	if err := ep.SendTo("mem-99", []byte("x")); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
	if err := ep.SendTo("QmNotMemory", []byte("x")); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer for foreign id, got %v", err)
	}
	_ = ep.Close()
	if err := ep.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	b, err := encodeEnvelope("std_msgs/String", []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := decodeEnvelope(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != "std_msgs/String" || len(env.Payload) != 3 || env.Payload[2] != 3 {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestMemorySubscriptionIsLiveWhenJoinListenersRun(t *testing.T) {
	m := NewMemoryPubSub()
	ep, err := m.Advertise("/cmd", "std_msgs/String")
	if err != nil {
		t.Fatalf("advertise: %v", err)
	}
	defer ep.Close()

	ep.OnPeerJoin(func(peer string) {
		if err := ep.Send([]byte("live")); err != nil {
			t.Errorf("send: %v", err)
		}
		if err := ep.SendTo(peer, []byte("replayed")); err != nil {
			t.Errorf("send to %s: %v", peer, err)
		}
	})

	ch, cancel, err := m.Subscribe("/cmd")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	var got []string
	for len(got) < 2 {
		select {
		case msg := <-ch:
			got = append(got, string(msg.Payload))
		default:
			t.Fatalf("expected live and replayed messages, got %v", got)
		}
	}
	if got[0] != "live" || got[1] != "replayed" {
		t.Fatalf("unexpected delivery order %v", got)
	}
}

func TestMemoryConsumersCountsLiveSubscriptions(t *testing.T) {
	m := NewMemoryPubSub()
	_, cancelA, err := m.Subscribe("/cmd")
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	_, cancelB, err := m.Subscribe("/cmd")
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	defer cancelB()
	if got := m.Consumers("/cmd"); got != 2 {
		t.Fatalf("expected 2 consumers, got %d", got)
	}
	cancelA()
	if got := m.Consumers("/cmd"); got != 1 {
		t.Fatalf("expected 1 consumer after cancel, got %d", got)
	}
}
