package network

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Envelope is the frame carried on libp2p topics. Type lets subscribers learn
// the established message type of a topic from its traffic.
type Envelope struct {
	Type    string `msgpack:"t"`
	Payload []byte `msgpack:"p"`
}

func encodeEnvelope(msgType string, payload []byte) ([]byte, error) {
	return msgpack.Marshal(Envelope{Type: msgType, Payload: payload})
}

func decodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	err := msgpack.Unmarshal(b, &env)
	return env, err
}

// replayFrame is written on replay streams: one frame per buffered message,
// in publish order.
type replayFrame struct {
	Topic   string `msgpack:"topic"`
	Type    string `msgpack:"t"`
	Payload []byte `msgpack:"p"`
}
