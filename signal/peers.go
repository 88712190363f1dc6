package signal

import (
	"context"

	"github.com/golang/glog"
	"github.com/pion/webrtc/v3"

	"github.com/jvastola/Theta/transport"
)

// PeerPhase is the negotiation state of one directory entry.
type PeerPhase int

const (
	PeerPhaseIdle PeerPhase = iota
	PeerPhaseNegotiating
	PeerPhaseAwaitingRemote
	PeerPhaseAwaitingLocal
	PeerPhaseConnected
	PeerPhaseClosing
	PeerPhaseFailed
)

func (self PeerPhase) String() string {
	switch self {
	case PeerPhaseIdle:
		return "idle"
	case PeerPhaseNegotiating:
		return "negotiating"
	case PeerPhaseAwaitingRemote:
		return "awaiting_remote"
	case PeerPhaseAwaitingLocal:
		return "awaiting_local"
	case PeerPhaseConnected:
		return "connected"
	case PeerPhaseClosing:
		return "closing"
	default:
		return "failed"
	}
}

// RuntimeEventKind discriminates async events delivered back to the frame
// loop.
type RuntimeEventKind int

const (
	RuntimeChannelOpen RuntimeEventKind = iota
	RuntimeConnectionFailed
	RuntimeLocalCandidate
)

// RuntimeEvent is one async connection event parked for the frame loop.
type RuntimeEvent struct {
	Kind      RuntimeEventKind
	PeerId    string
	Candidate *IceCandidate
}

// PeerEntry tracks one remote peer's negotiation.
type PeerEntry struct {
	Id        string
	Phase     PeerPhase
	Transport *transport.WebRtcTransport

	// candidates that arrived before the remote description
	queuedCandidates []*IceCandidate
}

// Directory drives WebRTC negotiation from signaling events. All methods
// are frame-loop confined; async connection callbacks are parked on the
// runtime event queue and consumed by DrainRuntimeEvents.
type Directory struct {
	ctx context.Context

	localId  string
	client   *Client
	settings *transport.WebRtcSettings

	entries       map[string]*PeerEntry
	runtimeEvents chan *RuntimeEvent

	activePeerId string
	// called when a data channel opens or an active transport goes away
	attachFunc func(activeTransport *transport.WebRtcTransport)
	detachFunc func()
}

// DirectorySettings wires the directory to its owner.
type DirectorySettings struct {
	AttachFunc func(activeTransport *transport.WebRtcTransport)
	DetachFunc func()
}

func NewDirectory(ctx context.Context, client *Client, webRtcSettings *transport.WebRtcSettings, settings *DirectorySettings) *Directory {
	if webRtcSettings == nil {
		webRtcSettings = transport.DefaultWebRtcSettings()
	}
	directory := &Directory{
		ctx:           ctx,
		localId:       client.PeerId(),
		client:        client,
		settings:      webRtcSettings,
		entries:       map[string]*PeerEntry{},
		runtimeEvents: make(chan *RuntimeEvent, 1024),
	}
	if settings != nil {
		directory.attachFunc = settings.AttachFunc
		directory.detachFunc = settings.DetachFunc
	}
	return directory
}

// Entry returns the tracked entry for a peer, if any.
func (self *Directory) Entry(peerId string) *PeerEntry {
	return self.entries[peerId]
}

// ActivePeerId is the peer whose transport is currently attached.
func (self *Directory) ActivePeerId() string {
	return self.activePeerId
}

// Dispatch applies one signaling event.
func (self *Directory) Dispatch(event *Event) {
	switch event.Type {
	case TypePeerJoined:
		self.handlePeerJoined(event.PeerId)
	case TypeOffer:
		self.handleOffer(event.From, event.Sdp)
	case TypeAnswer:
		self.handleAnswer(event.From, event.Sdp)
	case TypeIceCandidate:
		self.handleIceCandidate(event.From, event.Candidate)
	case TypePeerLeft:
		self.handlePeerLeft(event.PeerId)
	case TypeError:
		glog.Infof("[signal]relay error: %s\n", event.Message)
	default:
		// registered and heartbeat acks carry no work
		glog.V(2).Infof("[signal]ignoring %s event\n", event.Type)
	}
}

// handlePeerJoined starts an offer when the local id sorts first, so
// exactly one side of each pair initiates.
func (self *Directory) handlePeerJoined(peerId string) {
	if peerId == "" || self.localId >= peerId {
		return
	}
	if _, ok := self.entries[peerId]; ok {
		return
	}

	offerer, offer, err := transport.NewWebRtcOfferer(self.ctx, self.settings)
	if err != nil {
		glog.Infof("[signal]offer setup for %s failed: %s\n", peerId, err)
		return
	}
	entry := &PeerEntry{
		Id:        peerId,
		Phase:     PeerPhaseNegotiating,
		Transport: offerer,
	}
	self.entries[peerId] = entry
	self.wireRuntimeEvents(entry)

	if err := self.client.SendOffer(peerId, toSignalSdp(offer)); err != nil {
		glog.Infof("[signal]offer send to %s failed: %s\n", peerId, err)
		self.failEntry(entry)
		return
	}
	entry.Phase = PeerPhaseAwaitingRemote
}

func (self *Directory) handleOffer(peerId string, sdp *SessionDescription) {
	if peerId == "" || sdp == nil {
		return
	}
	// a fresh offer supersedes any stale negotiation with the same peer
	if existing, ok := self.entries[peerId]; ok {
		self.closeEntry(existing)
	}

	answerer, answer, err := transport.NewWebRtcAnswerer(self.ctx, self.settings, fromSignalSdp(sdp))
	if err != nil {
		glog.Infof("[signal]answer setup for %s failed: %s\n", peerId, err)
		return
	}
	entry := &PeerEntry{
		Id:        peerId,
		Phase:     PeerPhaseAwaitingLocal,
		Transport: answerer,
	}
	self.entries[peerId] = entry
	self.wireRuntimeEvents(entry)

	if err := self.client.SendAnswer(peerId, toSignalSdp(answer)); err != nil {
		glog.Infof("[signal]answer send to %s failed: %s\n", peerId, err)
		self.failEntry(entry)
		return
	}
	self.flushQueuedCandidates(entry)
}

func (self *Directory) handleAnswer(peerId string, sdp *SessionDescription) {
	if peerId == "" || sdp == nil {
		return
	}
	entry, ok := self.entries[peerId]
	if !ok || entry.Transport == nil {
		glog.V(2).Infof("[signal]answer from unknown peer %s\n", peerId)
		return
	}
	if err := entry.Transport.PeerConnection().SetRemoteDescription(fromSignalSdp(sdp)); err != nil {
		glog.Infof("[signal]remote description for %s failed: %s\n", peerId, err)
		self.failEntry(entry)
		return
	}
	self.flushQueuedCandidates(entry)
}

// handleIceCandidate queues candidates until the remote description is
// set; application failures retain the candidate for the next flush.
func (self *Directory) handleIceCandidate(peerId string, candidate *IceCandidate) {
	if peerId == "" || candidate == nil {
		return
	}
	entry, ok := self.entries[peerId]
	if !ok {
		entry = &PeerEntry{
			Id:    peerId,
			Phase: PeerPhaseIdle,
		}
		self.entries[peerId] = entry
	}
	if entry.Transport == nil || entry.Transport.PeerConnection().RemoteDescription() == nil {
		entry.queuedCandidates = append(entry.queuedCandidates, candidate)
		return
	}
	if err := entry.Transport.PeerConnection().AddICECandidate(fromSignalCandidate(candidate)); err != nil {
		glog.V(2).Infof("[signal]candidate for %s retained after error: %s\n", peerId, err)
		entry.queuedCandidates = append(entry.queuedCandidates, candidate)
	}
}

func (self *Directory) handlePeerLeft(peerId string) {
	entry, ok := self.entries[peerId]
	if !ok {
		return
	}
	self.closeEntry(entry)
}

func (self *Directory) flushQueuedCandidates(entry *PeerEntry) {
	if entry.Transport == nil {
		return
	}
	retained := []*IceCandidate{}
	for _, candidate := range entry.queuedCandidates {
		if err := entry.Transport.PeerConnection().AddICECandidate(fromSignalCandidate(candidate)); err != nil {
			glog.V(2).Infof("[signal]candidate for %s retained after error: %s\n", entry.Id, err)
			retained = append(retained, candidate)
		}
	}
	entry.queuedCandidates = retained
}

// wireRuntimeEvents parks async connection callbacks on the runtime queue.
func (self *Directory) wireRuntimeEvents(entry *PeerEntry) {
	peerId := entry.Id
	peerConnection := entry.Transport.PeerConnection()

	peerConnection.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		self.parkRuntimeEvent(&RuntimeEvent{
			Kind:      RuntimeLocalCandidate,
			PeerId:    peerId,
			Candidate: toSignalCandidate(candidate),
		})
	})
	peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			self.parkRuntimeEvent(&RuntimeEvent{
				Kind:   RuntimeConnectionFailed,
				PeerId: peerId,
			})
		}
	})
	go func() {
		if err := entry.Transport.WaitForOpen(self.settings.OpenTimeout); err != nil {
			return
		}
		self.parkRuntimeEvent(&RuntimeEvent{
			Kind:   RuntimeChannelOpen,
			PeerId: peerId,
		})
	}()
}

func (self *Directory) parkRuntimeEvent(event *RuntimeEvent) {
	select {
	case self.runtimeEvents <- event:
	default:
		glog.Infof("[signal]runtime event queue full, dropping for %s\n", event.PeerId)
	}
}

// DrainRuntimeEvents consumes every parked async event and returns how
// many were handled.
func (self *Directory) DrainRuntimeEvents() int {
	handled := 0
	for {
		select {
		case event := <-self.runtimeEvents:
			self.handleRuntimeEvent(event)
			handled += 1
		default:
			return handled
		}
	}
}

func (self *Directory) handleRuntimeEvent(event *RuntimeEvent) {
	entry, ok := self.entries[event.PeerId]
	switch event.Kind {
	case RuntimeChannelOpen:
		if !ok || entry.Transport == nil {
			return
		}
		entry.Phase = PeerPhaseConnected
		self.attachEntry(entry)
	case RuntimeConnectionFailed:
		if !ok {
			return
		}
		entry.Phase = PeerPhaseFailed
		self.closeEntry(entry)
	case RuntimeLocalCandidate:
		if err := self.client.SendIceCandidate(event.PeerId, event.Candidate); err != nil {
			glog.V(2).Infof("[signal]candidate send to %s failed: %s\n", event.PeerId, err)
		}
	}
}

// attachEntry makes the entry's transport the active one. Only one WebRTC
// transport is active at a time; a later attach supersedes the current.
func (self *Directory) attachEntry(entry *PeerEntry) {
	if self.activePeerId != "" && self.activePeerId != entry.Id {
		glog.Infof("[signal]transport for %s supersedes %s\n", entry.Id, self.activePeerId)
		if previous, ok := self.entries[self.activePeerId]; ok {
			self.closeEntry(previous)
		}
	}
	self.activePeerId = entry.Id
	if self.attachFunc != nil {
		self.attachFunc(entry.Transport)
	}
}

func (self *Directory) failEntry(entry *PeerEntry) {
	entry.Phase = PeerPhaseFailed
	if entry.Transport != nil {
		entry.Transport.Close()
		entry.Transport = nil
	}
	entry.queuedCandidates = nil
}

func (self *Directory) closeEntry(entry *PeerEntry) {
	if entry.Phase != PeerPhaseFailed {
		entry.Phase = PeerPhaseClosing
	}
	if entry.Transport != nil {
		entry.Transport.Close()
	}
	delete(self.entries, entry.Id)
	if self.activePeerId == entry.Id {
		self.activePeerId = ""
		if self.detachFunc != nil {
			self.detachFunc()
		}
	}
}

// Close tears down every tracked peer.
func (self *Directory) Close() {
	for _, entry := range self.entries {
		self.closeEntry(entry)
	}
}

func toSignalSdp(description webrtc.SessionDescription) *SessionDescription {
	return &SessionDescription{
		SdpType: description.Type.String(),
		Sdp:     description.SDP,
	}
}

func fromSignalSdp(sdp *SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sdp.SdpType),
		SDP:  sdp.Sdp,
	}
}

func toSignalCandidate(candidate *webrtc.ICECandidate) *IceCandidate {
	init := candidate.ToJSON()
	return &IceCandidate{
		Candidate:     init.Candidate,
		SdpMid:        init.SDPMid,
		SdpMlineIndex: init.SDPMLineIndex,
	}
}

func fromSignalCandidate(candidate *IceCandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SdpMid,
		SDPMLineIndex: candidate.SdpMlineIndex,
	}
}
