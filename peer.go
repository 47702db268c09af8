package kiosk

import (
	"fmt"
	"sync"

	"github.com/bt-bridge/kiosk-realtime/shared"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// MediaEvents is the bounded callback surface of a media channel. Binding the
// zero value detaches every callback.
type MediaEvents struct {
	// OnLocalCandidate forwards each locally gathered ICE candidate to the
	// control channel as it appears.
	OnLocalCandidate func(init webrtc.ICECandidateInit)
	// OnLocalOffer carries a fresh local offer, produced for late
	// renegotiation or an ICE restart. Never fired for the initial handshake,
	// which is remote-offer driven.
	OnLocalOffer func(sdp string)
}

// MediaSink receives the assistant's incoming media tracks. Supplied by the
// rendering collaborator; Clear is called on session teardown.
type MediaSink interface {
	AttachTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	Clear()
}

// MediaChannel wraps the peer connection negotiated over the control
// channel. The session drives it exclusively from its own event handling.
type MediaChannel interface {
	Bind(ev MediaEvents)
	SetICEServers(servers []webrtc.ICEServer)
	// ApplyOffer discards any existing peer connection, builds a fresh one
	// seeded with the current ICE servers, applies the remote offer and
	// returns the local answer SDP.
	ApplyOffer(sdp string) (answer string, err error)
	// ApplyAnswer applies a remote answer to a locally initiated
	// renegotiation offer.
	ApplyAnswer(sdp string) error
	AddCandidate(init webrtc.ICECandidateInit) error
	Close() error
}

// MediaFactory builds a MediaChannel for one session attempt.
type MediaFactory func(logger shared.LoggerAdapter, sink MediaSink) MediaChannel

// NewPeerChannel is the production MediaFactory backed by pion/webrtc.
func NewPeerChannel(logger shared.LoggerAdapter, sink MediaSink) MediaChannel {
	return &peerChannel{logger: logger, sink: sink}
}

type peerChannel struct {
	logger shared.LoggerAdapter
	sink   MediaSink

	mu      sync.Mutex
	ev      MediaEvents
	servers []webrtc.ICEServer
	pc      *webrtc.PeerConnection
}

var _ MediaChannel = (*peerChannel)(nil)

func (p *peerChannel) Bind(ev MediaEvents) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ev = ev
}

func (p *peerChannel) SetICEServers(servers []webrtc.ICEServer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.servers = servers
}

func (p *peerChannel) ApplyOffer(sdp string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// A renegotiation offer replaces the connection wholesale. Detach the old
	// one first so its late events cannot fire against the new connection.
	p.dropLocked()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: p.servers})
	if err != nil {
		return "", fmt.Errorf("creating peer connection: %w", err)
	}
	p.pc = pc

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.logger.Info(
			"received remote track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType),
		)
		if p.sink != nil {
			p.sink.AttachTrack(track, receiver)
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		p.mu.Lock()
		handler := p.ev.OnLocalCandidate
		stale := p.pc != pc
		p.mu.Unlock()
		if stale || handler == nil {
			return
		}
		handler(init)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Trace("peer connection state changed", zap.String("state", state.String()))
		if state != webrtc.PeerConnectionStateFailed {
			return
		}
		// An ICE restart recovers a failed transport without renegotiating
		// the media sections.
		if err := p.renegotiate(pc, true); err != nil {
			p.logger.Error("restarting ICE", err)
		}
	})
	pc.OnNegotiationNeeded(func() {
		p.mu.Lock()
		stale := p.pc != pc
		p.mu.Unlock()
		if stale || pc.SignalingState() != webrtc.SignalingStateStable {
			return
		}
		if err := p.renegotiate(pc, false); err != nil {
			p.logger.Error("renegotiating", err)
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return "", fmt.Errorf("setting remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	return answer.SDP, nil
}

func (p *peerChannel) renegotiate(pc *webrtc.PeerConnection, iceRestart bool) error {
	offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	p.mu.Lock()
	handler := p.ev.OnLocalOffer
	stale := p.pc != pc
	p.mu.Unlock()
	if stale || handler == nil {
		return nil
	}
	handler(offer.SDP)
	return nil
}

func (p *peerChannel) ApplyAnswer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil {
		return shared.ErrNoPeerConnection
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

func (p *peerChannel) AddCandidate(init webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil {
		return shared.ErrNoPeerConnection
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

func (p *peerChannel) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropLocked()
	return nil
}

// dropLocked detaches and closes the current peer connection. Handlers are
// cleared before Close so the close itself cannot fire stale events.
func (p *peerChannel) dropLocked() {
	if p.pc == nil {
		return
	}
	pc := p.pc
	p.pc = nil
	pc.OnTrack(nil)
	pc.OnICECandidate(nil)
	pc.OnConnectionStateChange(nil)
	pc.OnNegotiationNeeded(nil)
	if err := pc.Close(); err != nil {
		p.logger.Warn("closing peer connection", zap.Error(err))
	}
}
