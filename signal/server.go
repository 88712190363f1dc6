package signal

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Server is the room-scoped websocket relay. It forwards offers, answers,
// and ICE candidates between registered peers and broadcasts room
// membership changes.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	listener   net.Listener
	httpServer *http.Server
	upgrader   websocket.Upgrader

	stateLock sync.Mutex
	peers     map[string]*serverPeer
	rooms     map[string]map[string]bool
}

type serverPeer struct {
	roomId string
	send   chan []byte
}

// NewServer binds the relay. Use addr ":0" for an ephemeral port.
func NewServer(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	server := &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		listener: listener,
		peers:    map[string]*serverPeer{},
		rooms:    map[string]map[string]bool{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.handleWs)
	server.httpServer = &http.Server{
		Handler: mux,
	}
	go func() {
		if err := server.httpServer.Serve(listener); err != http.ErrServerClosed {
			glog.Infof("[signal]server terminated: %s\n", err)
		}
	}()
	return server, nil
}

// Addr is the bound listen address.
func (self *Server) Addr() net.Addr {
	return self.listener.Addr()
}

// Url is the websocket endpoint clients dial.
func (self *Server) Url() string {
	return "ws://" + self.listener.Addr().String() + "/ws"
}

// Close stops the relay and disconnects all peers.
func (self *Server) Close() {
	self.cancel()
	self.httpServer.Close()
}

func (self *Server) handleWs(w http.ResponseWriter, r *http.Request) {
	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[signal]upgrade failed: %s\n", err)
		return
	}
	go self.handleConnection(conn)
}

func (self *Server) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	send := make(chan []byte, 64)
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case <-self.ctx.Done():
				return
			case payload, ok := <-send:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			}
		}
	}()

	peerId := ""
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			self.reply(send, errorEvent("binary messages not supported"))
			continue
		}
		request, err := decodeRequest(data)
		if err != nil {
			self.reply(send, errorEvent("%s", err))
			continue
		}

		switch request.Type {
		case TypeRegister:
			if peerId != "" {
				self.reply(send, errorEvent("peer already registered"))
				continue
			}
			peersInRoom := self.registerPeer(request.PeerId, request.RoomId, send)
			self.reply(send, &Event{
				Type:        TypeRegistered,
				PeerId:      request.PeerId,
				RoomId:      request.RoomId,
				PeersInRoom: peersInRoom,
			})
			self.broadcastToRoom(request.RoomId, &Event{
				Type:   TypePeerJoined,
				PeerId: request.PeerId,
			}, request.PeerId)
			peerId = request.PeerId
		case TypeOffer, TypeAnswer, TypeIceCandidate:
			if peerId == "" {
				self.reply(send, errorEvent("peer not registered"))
				continue
			}
			self.forward(peerId, request, send)
		case TypeHeartbeat:
			self.reply(send, &Event{Type: TypeHeartbeatAck})
		default:
			self.reply(send, errorEvent("unknown request type %q", request.Type))
		}
	}

	if peerId != "" {
		if roomId, ok := self.removePeer(peerId); ok {
			self.broadcastToRoom(roomId, &Event{
				Type:   TypePeerLeft,
				PeerId: peerId,
			}, peerId)
		}
	}
	close(send)
	<-writeDone
}

func (self *Server) reply(send chan []byte, event *Event) {
	payload, err := encodeEvent(event)
	if err != nil {
		return
	}
	select {
	case send <- payload:
	default:
		glog.Infof("[signal]send queue full, dropping %s\n", event.Type)
	}
}

// registerPeer adds the peer to its room and returns the sorted ids of the
// peers already present.
func (self *Server) registerPeer(peerId string, roomId string, send chan []byte) []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.peers[peerId] = &serverPeer{
		roomId: roomId,
		send:   send,
	}
	room, ok := self.rooms[roomId]
	if !ok {
		room = map[string]bool{}
		self.rooms[roomId] = room
	}
	existing := maps.Keys(room)
	slices.Sort(existing)
	room[peerId] = true
	return existing
}

func (self *Server) removePeer(peerId string) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	peer, ok := self.peers[peerId]
	if !ok {
		return "", false
	}
	delete(self.peers, peerId)
	if room, ok := self.rooms[peer.roomId]; ok {
		delete(room, peerId)
		if len(room) == 0 {
			delete(self.rooms, peer.roomId)
		}
	}
	return peer.roomId, true
}

// forward relays an offer, answer, or candidate to its target peer,
// rewriting the sender into the event.
func (self *Server) forward(from string, request *Request, send chan []byte) {
	event := &Event{
		Type:      request.Type,
		From:      from,
		Sdp:       request.Sdp,
		Candidate: request.Candidate,
	}

	self.stateLock.Lock()
	target, ok := self.peers[request.To]
	self.stateLock.Unlock()
	if !ok {
		self.reply(send, errorEvent("peer %s not found", request.To))
		return
	}
	self.reply(target.send, event)
}

func (self *Server) broadcastToRoom(roomId string, event *Event, skipPeerId string) {
	payload, err := encodeEvent(event)
	if err != nil {
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	room, ok := self.rooms[roomId]
	if !ok {
		return
	}
	for peerId := range room {
		if peerId == skipPeerId {
			continue
		}
		if peer, ok := self.peers[peerId]; ok {
			select {
			case peer.send <- payload:
			default:
				glog.Infof("[signal]send queue full for %s, dropping %s\n", peerId, event.Type)
			}
		}
	}
}
