package bridgeapi

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	opAdvertise   = "advertise"
	opUnadvertise = "unadvertise"
	opPublish     = "publish"
	opStatus      = "status"
)

// wsRequest is one rosbridge-style operation sent by a WebSocket client.
type wsRequest struct {
	Op    string         `json:"op"`
	ID    string         `json:"id,omitempty"`
	Topic string         `json:"topic,omitempty"`
	Type  string         `json:"type,omitempty"`
	Msg   map[string]any `json:"msg,omitempty"`
}

type wsStatus struct {
	Op    string `json:"op"`
	Level string `json:"level"`
	ID    string `json:"id,omitempty"`
	Msg   string `json:"msg"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket serves one bridge client per connection. The connection
// gets its own client id and every publisher it holds is released when it
// goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("websocket upgrade: %v", err)
		return
	}
	clientID := uuid.NewString()
	log.Infof("client %s connected from %s", clientID, r.RemoteAddr)
	defer func() {
		s.publishers.UnregisterAll(clientID)
		_ = conn.Close()
		log.Infof("client %s disconnected", clientID)
	}()

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("client %s read: %v", clientID, err)
			}
			return
		}
		status := s.dispatch(clientID, req)
		if status == nil {
			continue
		}
		if err := conn.WriteJSON(status); err != nil {
			log.Debugf("client %s write: %v", clientID, err)
			return
		}
	}
}

// dispatch runs one operation. Errors are always reported; success is only
// acknowledged when the request carried an id.
func (s *Server) dispatch(clientID string, req wsRequest) *wsStatus {
	if req.Topic == "" {
		return &wsStatus{Op: opStatus, Level: "error", ID: req.ID, Msg: "topic required"}
	}
	var err error
	switch req.Op {
	case opAdvertise:
		err = s.publishers.Register(clientID, req.Topic, req.Type)
	case opUnadvertise:
		s.publishers.Unregister(clientID, req.Topic)
	case opPublish:
		err = s.publishers.Publish(clientID, req.Topic, req.Msg)
	default:
		return &wsStatus{Op: opStatus, Level: "error", ID: req.ID, Msg: "unknown op " + req.Op}
	}
	if err != nil {
		return &wsStatus{Op: opStatus, Level: "error", ID: req.ID, Msg: err.Error()}
	}
	if req.ID == "" {
		return nil
	}
	return &wsStatus{Op: opStatus, Level: "info", ID: req.ID, Msg: req.Op + " ok"}
}
