package bridgeapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"ClawdCity-Bridge/internal/core/network"
	"ClawdCity-Bridge/internal/msgtypes"
	"ClawdCity-Bridge/internal/publisher"
)

var log = logging.Logger("bridge/api")

// consumerCounter is implemented by transports that can count local
// consumers of a topic.
type consumerCounter interface {
	Consumers(topic string) int
}

// peerLister is implemented by networked transports.
type peerLister interface {
	ConnectedPeers() []string
}

// publisherStatus is one row of the publishers listing.
type publisherStatus struct {
	publisher.Info
	Consumers *int `json:"consumers,omitempty"`
}

type Server struct {
	publishers *publisher.Registry
	pubsub     network.PubSub
	types      *msgtypes.Registry
}

func NewServer(publishers *publisher.Registry, pubsub network.PubSub, types *msgtypes.Registry) *Server {
	return &Server{publishers: publishers, pubsub: pubsub, types: types}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/bridge/advertise", s.handleAdvertise)
	mux.HandleFunc("/api/bridge/unadvertise", s.handleUnadvertise)
	mux.HandleFunc("/api/bridge/publish", s.handlePublish)
	mux.HandleFunc("/api/bridge/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/bridge/publishers", s.handlePublishers)
	mux.HandleFunc("/api/bridge/types", s.handleTypes)
	mux.HandleFunc("/api/bridge/stream/", s.handleStream)
	mux.HandleFunc("/api/bridge/ws", s.handleWebSocket)
}

func (s *Server) handleAdvertise(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
		Topic    string `json:"topic"`
		Type     string `json:"type"`
	}
	if !s.decodePost(w, r, &req) {
		return
	}
	if req.ClientID == "" || req.Topic == "" {
		writeError(w, http.StatusBadRequest, "client_id and topic required")
		return
	}
	if err := s.publishers.Register(req.ClientID, req.Topic, req.Type); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleUnadvertise(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
		Topic    string `json:"topic"`
	}
	if !s.decodePost(w, r, &req) {
		return
	}
	if req.ClientID == "" || req.Topic == "" {
		writeError(w, http.StatusBadRequest, "client_id and topic required")
		return
	}
	s.publishers.Unregister(req.ClientID, req.Topic)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string         `json:"client_id"`
		Topic    string         `json:"topic"`
		Msg      map[string]any `json:"msg"`
	}
	if !s.decodePost(w, r, &req) {
		return
	}
	if req.ClientID == "" || req.Topic == "" {
		writeError(w, http.StatusBadRequest, "client_id and topic required")
		return
	}
	if err := s.publishers.Publish(req.ClientID, req.Topic, req.Msg); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
	}
	if !s.decodePost(w, r, &req) {
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "client_id required")
		return
	}
	s.publishers.UnregisterAll(req.ClientID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePublishers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	counter, _ := s.pubsub.(consumerCounter)
	snapshot := s.publishers.Snapshot()
	publishers := make([]publisherStatus, 0, len(snapshot))
	for _, info := range snapshot {
		row := publisherStatus{Info: info}
		if counter != nil {
			n := counter.Consumers(info.Channel)
			row.Consumers = &n
		}
		publishers = append(publishers, row)
	}
	resp := map[string]any{"publishers": publishers}
	if lister, ok := s.pubsub.(peerLister); ok {
		peers := lister.ConnectedPeers()
		if peers == nil {
			peers = []string{}
		}
		resp["peers"] = peers
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTypes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.types == nil {
		writeError(w, http.StatusServiceUnavailable, "type registry unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"types": s.types.Names()})
}

// handleStream subscribes as a consumer of the topic named by the rest of
// the path and relays decoded messages as server-sent events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	topic := strings.TrimPrefix(r.URL.Path, "/api/bridge/stream")
	if strings.Trim(topic, "/") == "" {
		writeError(w, http.StatusNotFound, "topic missing")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	ch, cancel, err := s.pubsub.Subscribe(topic)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			inst, err := msgtypes.DecodeInstance(msg.Payload)
			if err != nil {
				log.Debugf("stream %s: %v", topic, err)
				continue
			}
			b, err := json.Marshal(inst)
			if err != nil {
				log.Debugf("stream %s: %v", topic, err)
				continue
			}
			if _, err := w.Write([]byte("event: message\ndata: " + string(b) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) decodePost(w http.ResponseWriter, r *http.Request, into any) bool {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return false
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, publisher.ErrTypeConflict):
		return http.StatusConflict
	case errors.Is(err, publisher.ErrChannelTypeUnknown),
		errors.Is(err, msgtypes.ErrUnknownMessageType),
		errors.Is(err, msgtypes.ErrMalformedMessage):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}
