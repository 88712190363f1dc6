package signal

import (
	"encoding/json"
	"fmt"
)

// Message types. Requests flow client to server, events flow back.
const (
	TypeRegister     = "register"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeIceCandidate = "ice_candidate"
	TypeHeartbeat    = "heartbeat"
	TypeRegistered   = "registered"
	TypePeerJoined   = "peer_joined"
	TypePeerLeft     = "peer_left"
	TypeError        = "error"
	TypeHeartbeatAck = "heartbeat_ack"
)

// SessionDescription carries an SDP blob through signaling.
type SessionDescription struct {
	SdpType string `json:"sdp_type"`
	Sdp     string `json:"sdp"`
}

// IceCandidate carries one ICE candidate through signaling.
type IceCandidate struct {
	Candidate     string  `json:"candidate"`
	SdpMid        *string `json:"sdp_mid,omitempty"`
	SdpMlineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

// Request is the type-tagged client-to-server message. Unused fields are
// omitted on the wire.
type Request struct {
	Type      string              `json:"type"`
	PeerId    string              `json:"peer_id,omitempty"`
	RoomId    string              `json:"room_id,omitempty"`
	To        string              `json:"to,omitempty"`
	Sdp       *SessionDescription `json:"sdp,omitempty"`
	Candidate *IceCandidate       `json:"candidate,omitempty"`
}

// Event is the type-tagged server-to-client message.
type Event struct {
	Type        string              `json:"type"`
	PeerId      string              `json:"peer_id,omitempty"`
	RoomId      string              `json:"room_id,omitempty"`
	PeersInRoom []string            `json:"peers_in_room,omitempty"`
	From        string              `json:"from,omitempty"`
	Sdp         *SessionDescription `json:"sdp,omitempty"`
	Candidate   *IceCandidate       `json:"candidate,omitempty"`
	Message     string              `json:"message,omitempty"`
}

func encodeRequest(request *Request) ([]byte, error) {
	return json.Marshal(request)
}

func decodeRequest(data []byte) (*Request, error) {
	var request Request
	if err := json.Unmarshal(data, &request); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return &request, nil
}

func encodeEvent(event *Event) ([]byte, error) {
	return json.Marshal(event)
}

func decodeEvent(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return &event, nil
}

func errorEvent(format string, a ...any) *Event {
	return &Event{
		Type:    TypeError,
		Message: fmt.Sprintf(format, a...),
	}
}
