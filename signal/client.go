package signal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// ErrNotRegistered marks signaling sends attempted before registration.
var ErrNotRegistered = errors.New("signaling client not registered")

// ErrConnectionClosed marks reads after the relay connection dropped.
var ErrConnectionClosed = errors.New("signaling connection closed")

// RegistrationMismatchError reports a registered event that does not match
// what the client asked for.
type RegistrationMismatchError struct {
	ExpectedPeer string
	ExpectedRoom string
	ActualPeer   string
	ActualRoom   string
}

func (self *RegistrationMismatchError) Error() string {
	return fmt.Sprintf(
		"registration mismatch (expected %s in %s, got %s in %s)",
		self.ExpectedPeer,
		self.ExpectedRoom,
		self.ActualPeer,
		self.ActualRoom,
	)
}

// Client talks to the signaling relay. A background reader parks events so
// NextEvent can poll with zero blocking from the frame loop.
type Client struct {
	peerId string
	roomId string

	conn *websocket.Conn

	events chan *Event
	// closed is closed by the reader when the connection drops. The events
	// channel itself is never closed so parked events stay deliverable and
	// late requeues cannot panic.
	closed    chan struct{}
	writeLock sync.Mutex

	registered bool
}

// Connect dials the relay without registering.
func Connect(url string, peerId string, roomId string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	client := &Client{
		peerId:  peerId,
		roomId:  roomId,
		conn:    conn,
		events: make(chan *Event, 1024),
		closed: make(chan struct{}),
	}
	go client.runReader()
	return client, nil
}

func (self *Client) PeerId() string {
	return self.peerId
}

func (self *Client) RoomId() string {
	return self.roomId
}

func (self *Client) runReader() {
	for {
		messageType, data, err := self.conn.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[signal]reader stopped: %s\n", err)
			close(self.closed)
			return
		}
		if messageType != websocket.TextMessage {
			glog.V(2).Infof("[signal]ignoring non-text message\n")
			continue
		}
		event, err := decodeEvent(data)
		if err != nil {
			glog.Infof("[signal]malformed event dropped: %s\n", err)
			continue
		}
		select {
		case self.events <- event:
		default:
			glog.Infof("[signal]event queue full, dropping %s\n", event.Type)
		}
	}
}

func (self *Client) sendRequest(request *Request) error {
	payload, err := encodeRequest(request)
	if err != nil {
		return err
	}
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	return self.conn.WriteMessage(websocket.TextMessage, payload)
}

// Register announces the peer to its room and returns the sorted ids of
// the peers already present. Non-registration events that arrive first
// stay queued for NextEvent.
func (self *Client) Register(timeout time.Duration) ([]string, error) {
	err := self.sendRequest(&Request{
		Type:   TypeRegister,
		PeerId: self.peerId,
		RoomId: self.roomId,
	})
	if err != nil {
		return nil, err
	}

	deadline := time.After(timeout)
	pending := []*Event{}
	defer func() {
		// requeue events that arrived before the registration ack
		for _, event := range pending {
			select {
			case self.events <- event:
			default:
			}
		}
	}()

	for {
		select {
		case event := <-self.events:
			if event.Type != TypeRegistered {
				pending = append(pending, event)
				continue
			}
			if event.PeerId != self.peerId || event.RoomId != self.roomId {
				return nil, &RegistrationMismatchError{
					ExpectedPeer: self.peerId,
					ExpectedRoom: self.roomId,
					ActualPeer:   event.PeerId,
					ActualRoom:   event.RoomId,
				}
			}
			self.registered = true
			return event.PeersInRoom, nil
		case <-self.closed:
			return nil, ErrConnectionClosed
		case <-deadline:
			return nil, fmt.Errorf("registration timed out after %s", timeout)
		}
	}
}

func (self *Client) ensureRegistered() error {
	if !self.registered {
		return ErrNotRegistered
	}
	return nil
}

func (self *Client) SendOffer(to string, sdp *SessionDescription) error {
	if err := self.ensureRegistered(); err != nil {
		return err
	}
	return self.sendRequest(&Request{
		Type: TypeOffer,
		To:   to,
		Sdp:  sdp,
	})
}

func (self *Client) SendAnswer(to string, sdp *SessionDescription) error {
	if err := self.ensureRegistered(); err != nil {
		return err
	}
	return self.sendRequest(&Request{
		Type: TypeAnswer,
		To:   to,
		Sdp:  sdp,
	})
}

func (self *Client) SendIceCandidate(to string, candidate *IceCandidate) error {
	if err := self.ensureRegistered(); err != nil {
		return err
	}
	return self.sendRequest(&Request{
		Type:      TypeIceCandidate,
		To:        to,
		Candidate: candidate,
	})
}

// NextEvent returns the next parked event, or nil when none arrives within
// the timeout. A zero timeout polls without blocking. Events parked before
// a connection drop are drained before the drop is reported.
func (self *Client) NextEvent(timeout time.Duration) (*Event, error) {
	select {
	case event := <-self.events:
		return event, nil
	default:
	}
	if timeout == 0 {
		select {
		case <-self.closed:
			return nil, ErrConnectionClosed
		default:
			return nil, nil
		}
	}
	select {
	case event := <-self.events:
		return event, nil
	case <-self.closed:
		return nil, ErrConnectionClosed
	case <-time.After(timeout):
		return nil, nil
	}
}

// Close drops the relay connection.
func (self *Client) Close() {
	self.conn.Close()
}
