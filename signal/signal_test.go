package signal

import (
	"context"
	"flag"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
	flag.Parse()
}

func TestRegisterAndPeerJoined(t *testing.T) {
	initGlog()

	server, err := NewServer("127.0.0.1:0")
	assert.Equal(t, err, nil)
	defer server.Close()

	alice, err := Connect(server.Url(), "alice", "room-a")
	assert.Equal(t, err, nil)
	defer alice.Close()

	peers, err := alice.Register(time.Second)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(peers), 0)

	bob, err := Connect(server.Url(), "bob", "room-a")
	assert.Equal(t, err, nil)
	defer bob.Close()

	peers, err = bob.Register(time.Second)
	assert.Equal(t, err, nil)
	assert.Equal(t, peers, []string{"alice"})

	event, err := alice.NextEvent(time.Second)
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Type, TypePeerJoined)
	assert.Equal(t, event.PeerId, "bob")
}

func TestOfferReachesTargetPeer(t *testing.T) {
	initGlog()

	server, err := NewServer("127.0.0.1:0")
	assert.Equal(t, err, nil)
	defer server.Close()

	alice, err := Connect(server.Url(), "alice", "room-b")
	assert.Equal(t, err, nil)
	defer alice.Close()
	_, err = alice.Register(time.Second)
	assert.Equal(t, err, nil)

	bob, err := Connect(server.Url(), "bob", "room-b")
	assert.Equal(t, err, nil)
	defer bob.Close()
	_, err = bob.Register(time.Second)
	assert.Equal(t, err, nil)

	// drain the join notification first
	event, err := alice.NextEvent(time.Second)
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Type, TypePeerJoined)

	offer := &SessionDescription{
		SdpType: "offer",
		Sdp:     "v=0",
	}
	assert.Equal(t, bob.SendOffer("alice", offer), nil)

	event, err = alice.NextEvent(time.Second)
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Type, TypeOffer)
	assert.Equal(t, event.From, "bob")
	assert.Equal(t, event.Sdp.Sdp, "v=0")
}

func TestPeerLeftBroadcast(t *testing.T) {
	initGlog()

	server, err := NewServer("127.0.0.1:0")
	assert.Equal(t, err, nil)
	defer server.Close()

	alice, err := Connect(server.Url(), "alice", "room-c")
	assert.Equal(t, err, nil)
	defer alice.Close()
	_, err = alice.Register(time.Second)
	assert.Equal(t, err, nil)

	bob, err := Connect(server.Url(), "bob", "room-c")
	assert.Equal(t, err, nil)
	_, err = bob.Register(time.Second)
	assert.Equal(t, err, nil)

	event, err := alice.NextEvent(time.Second)
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Type, TypePeerJoined)

	bob.Close()

	event, err = alice.NextEvent(2 * time.Second)
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Type, TypePeerLeft)
	assert.Equal(t, event.PeerId, "bob")
}

func TestSendBeforeRegister(t *testing.T) {
	initGlog()

	server, err := NewServer("127.0.0.1:0")
	assert.Equal(t, err, nil)
	defer server.Close()

	client, err := Connect(server.Url(), "carol", "room-d")
	assert.Equal(t, err, nil)
	defer client.Close()

	err = client.SendOffer("alice", &SessionDescription{SdpType: "offer", Sdp: "v=0"})
	assert.Equal(t, err, ErrNotRegistered)
}

func TestRegisterSurvivesDisconnectWithQueuedEvent(t *testing.T) {
	initGlog()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Equal(t, err, nil)
	defer listener.Close()

	// a relay that parks a non-registration event on the client and then
	// drops the connection while the registration ack is still pending
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		payload, _ := encodeEvent(&Event{
			Type: TypeOffer,
			From: "ghost",
			Sdp:  &SessionDescription{SdpType: "offer", Sdp: "v=0"},
		})
		conn.WriteMessage(websocket.TextMessage, payload)
		time.Sleep(100 * time.Millisecond)
		conn.Close()
	})
	httpServer := &http.Server{Handler: mux}
	go httpServer.Serve(listener)
	defer httpServer.Close()

	client, err := Connect("ws://"+listener.Addr().String()+"/ws", "erin", "room-g")
	assert.Equal(t, err, nil)
	defer client.Close()

	_, err = client.Register(2 * time.Second)
	assert.Equal(t, err, ErrConnectionClosed)

	// the offer parked before the drop is still deliverable
	event, err := client.NextEvent(time.Second)
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Type, TypeOffer)
	assert.Equal(t, event.From, "ghost")

	// once drained, the dropped connection surfaces as an error
	event, err = client.NextEvent(0)
	assert.Equal(t, err, ErrConnectionClosed)
	assert.Equal(t, event, (*Event)(nil))
}

func TestNextEventZeroTimeoutPoll(t *testing.T) {
	initGlog()

	server, err := NewServer("127.0.0.1:0")
	assert.Equal(t, err, nil)
	defer server.Close()

	client, err := Connect(server.Url(), "dave", "room-e")
	assert.Equal(t, err, nil)
	defer client.Close()
	_, err = client.Register(time.Second)
	assert.Equal(t, err, nil)

	event, err := client.NextEvent(0)
	assert.Equal(t, err, nil)
	assert.Equal(t, event, (*Event)(nil))
}

func TestBootstrapSettingsFromEnv(t *testing.T) {
	initGlog()

	t.Setenv("SIGNALING_URL", "ws://relay.example:9000/ws")
	t.Setenv("PEER_ID", "peer-env")
	t.Setenv("ROOM_ID", "room-env")
	t.Setenv("SIGNALING_TIMEOUT_MS", "1500")
	t.Setenv("SIGNALING_DISABLED", "1")

	settings := BootstrapSettingsFromEnv()
	assert.Equal(t, settings.Url, "ws://relay.example:9000/ws")
	assert.Equal(t, settings.PeerId, "peer-env")
	assert.Equal(t, settings.RoomId, "room-env")
	assert.Equal(t, settings.RegisterTimeout, 1500*time.Millisecond)
	assert.Equal(t, settings.Disabled, true)
}

func TestGeneratePeerIdUnique(t *testing.T) {
	initGlog()

	assert.NotEqual(t, GeneratePeerId(), GeneratePeerId())
}

func TestDirectoryTieBreakAndCandidateQueue(t *testing.T) {
	initGlog()

	server, err := NewServer("127.0.0.1:0")
	assert.Equal(t, err, nil)
	defer server.Close()

	client, err := Connect(server.Url(), "mmm", "room-f")
	assert.Equal(t, err, nil)
	defer client.Close()
	_, err = client.Register(time.Second)
	assert.Equal(t, err, nil)

	directory := NewDirectory(context.Background(), client, nil, nil)
	defer directory.Close()

	// local "mmm" sorts after "aaa", so the remote side initiates
	directory.Dispatch(&Event{Type: TypePeerJoined, PeerId: "aaa"})
	assert.Equal(t, directory.Entry("aaa"), (*PeerEntry)(nil))

	// candidates ahead of any description are queued, not applied
	directory.Dispatch(&Event{
		Type: TypeIceCandidate,
		From: "aaa",
		Candidate: &IceCandidate{
			Candidate: "candidate:0 1 udp 1 127.0.0.1 50000 typ host",
		},
	})
	entry := directory.Entry("aaa")
	assert.NotEqual(t, entry, nil)
	assert.Equal(t, entry.Phase, PeerPhaseIdle)
	assert.Equal(t, len(entry.queuedCandidates), 1)
}
