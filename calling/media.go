/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// AudioSink receives the remote party's RTP while a call is up.
type AudioSink interface {
	WriteRTP(packet *rtp.Packet) error
}

// MediaEngine manages the WebRTC peer connection and media tracks for a call.
type MediaEngine struct {
	mu             sync.Mutex
	peerConnection *webrtc.PeerConnection
	localTrack     *webrtc.TrackLocalStaticRTP
	remoteTrack    *webrtc.TrackRemote
	sink           AudioSink
	muted          bool
	logger         zerolog.Logger
}

// MediaConfig holds configuration for the media engine
type MediaConfig struct {
	// ICEServers is the list of ICE servers (STUN/TURN) to use
	ICEServers []webrtc.ICEServer
	// AudioSink receives remote audio; nil drains and drops it
	AudioSink AudioSink
}

// DefaultMediaConfig returns a MediaConfig with sensible defaults.
func DefaultMediaConfig() *MediaConfig {
	return &MediaConfig{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// NewMediaEngine creates a new WebRTC media engine for a call
func NewMediaEngine(config *MediaConfig, logger zerolog.Logger) (*MediaEngine, error) {
	if config == nil {
		config = DefaultMediaConfig()
	}

	// Asterisk's WebRTC endpoints are configured for G.711 only.
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMU: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000},
		PayloadType:        8,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMA: %w", err)
	}

	// Early media may arrive before the answer is applied.
	settings := webrtc.SettingEngine{}
	settings.SetHandleUndeclaredSSRCWithoutAnswer(true)

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(settings),
		webrtc.WithInterceptorRegistry(i),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: config.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	engine := &MediaEngine{
		peerConnection: pc,
		sink:           config.AudioSink,
		logger:         logger.With().Str("component", "media").Logger(),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		engine.logger.Debug().Str("state", s.String()).Msg("peer connection state changed")
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		engine.logger.Debug().Str("codec", track.Codec().MimeType).Uint32("ssrc", uint32(track.SSRC())).Msg("remote track attached")
		engine.mu.Lock()
		engine.remoteTrack = track
		engine.mu.Unlock()
		go engine.pump(track)
	})

	return engine, nil
}

// pump forwards remote RTP to the sink until the track ends. The track is
// always drained so RTCP keeps flowing.
func (me *MediaEngine) pump(track *webrtc.TrackRemote) {
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		me.mu.Lock()
		sink := me.sink
		me.mu.Unlock()
		if sink == nil {
			continue
		}
		if err := sink.WriteRTP(packet); err != nil {
			me.logger.Debug().Err(err).Msg("audio sink write failed")
		}
	}
}

// DetachSink stops delivering remote audio.
func (me *MediaEngine) DetachSink() {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.sink = nil
}

// AddAudioTrack adds a bidirectional PCMU track to the peer connection.
func (me *MediaEngine) AddAudioTrack() (*webrtc.TrackLocalStaticRTP, error) {
	me.mu.Lock()
	defer me.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		"audio",
		"agent-console",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	transceiver, err := me.peerConnection.AddTransceiverFromTrack(track,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add audio transceiver: %w", err)
	}

	// Read RTCP from the sender to keep the connection alive
	go func() {
		sender := transceiver.Sender()
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()

	me.localTrack = track
	return track, nil
}

// WriteRTP sends a local audio packet. Packets are dropped while muted.
func (me *MediaEngine) WriteRTP(packet *rtp.Packet) error {
	me.mu.Lock()
	track, muted := me.localTrack, me.muted
	me.mu.Unlock()
	if muted {
		return nil
	}
	if track == nil {
		return errors.New("no local audio track")
	}
	return track.WriteRTP(packet)
}

// CreateOffer creates an SDP offer with all ICE candidates gathered.
func (me *MediaEngine) CreateOffer() (string, error) {
	me.mu.Lock()
	defer me.mu.Unlock()

	offer, err := me.peerConnection.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	return me.setLocalLocked(offer)
}

// CreateAnswer creates an SDP answer with all ICE candidates gathered.
func (me *MediaEngine) CreateAnswer() (string, error) {
	me.mu.Lock()
	defer me.mu.Unlock()

	answer, err := me.peerConnection.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	return me.setLocalLocked(answer)
}

func (me *MediaEngine) setLocalLocked(desc webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(me.peerConnection)
	if err := me.peerConnection.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	localDesc := me.peerConnection.LocalDescription()
	if localDesc == nil {
		return "", fmt.Errorf("local description is nil after gathering")
	}
	return localDesc.SDP, nil
}

// LocalDescription returns the current local SDP, empty before negotiation.
func (me *MediaEngine) LocalDescription() string {
	me.mu.Lock()
	defer me.mu.Unlock()
	if desc := me.peerConnection.LocalDescription(); desc != nil {
		return desc.SDP
	}
	return ""
}

// SetRemoteOffer sets the remote SDP offer on the peer connection
func (me *MediaEngine) SetRemoteOffer(offer string) error {
	me.mu.Lock()
	defer me.mu.Unlock()

	return me.peerConnection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fixIncomingSdp(offer),
	})
}

// SetRemoteAnswer sets the remote SDP answer on the peer connection.
// An answer arriving in stable state (a retransmitted 200 OK) is ignored.
func (me *MediaEngine) SetRemoteAnswer(answer string) error {
	me.mu.Lock()
	defer me.mu.Unlock()

	if me.peerConnection.SignalingState() == webrtc.SignalingStateStable {
		me.logger.Debug().Msg("ignoring duplicate SDP answer")
		return nil
	}

	return me.peerConnection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fixIncomingSdp(answer),
	})
}

// Mute disables the local audio track
func (me *MediaEngine) Mute() {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.muted = true
}

// Unmute enables the local audio track
func (me *MediaEngine) Unmute() {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.muted = false
}

// IsMuted returns whether the local audio is muted
func (me *MediaEngine) IsMuted() bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.muted
}

// Close detaches the sink and closes the peer connection
func (me *MediaEngine) Close() error {
	me.mu.Lock()
	defer me.mu.Unlock()

	me.sink = nil
	if me.peerConnection != nil {
		if err := me.peerConnection.Close(); err != nil {
			return fmt.Errorf("failed to close peer connection: %w", err)
		}
	}
	return nil
}

// fixIncomingSdp patches PBX SDP for Pion v4, which requires a mid:
// - Injects a=mid:0 after the first m= line if missing
// - Adds a=group:BUNDLE 0 at session level if missing
func fixIncomingSdp(raw string) string {
	lines := strings.Split(raw, "\r\n")
	result := make([]string, 0, len(lines)+2)
	hasMid := false
	hasBundle := false
	inMedia := false

	for _, line := range lines {
		if strings.HasPrefix(line, "a=mid:") {
			hasMid = true
		}
		if strings.HasPrefix(line, "a=group:BUNDLE") {
			hasBundle = true
		}
	}

	for _, line := range lines {
		if strings.HasPrefix(line, "m=") {
			if !inMedia && !hasBundle {
				result = append(result, "a=group:BUNDLE 0")
			}
			inMedia = true
			result = append(result, line)
			if !hasMid {
				result = append(result, "a=mid:0")
			}
			continue
		}
		result = append(result, line)
	}

	return strings.Join(result, "\r\n")
}

// Media direction attributes.
const (
	directionSendRecv = "sendrecv"
	directionSendOnly = "sendonly"
	directionRecvOnly = "recvonly"
	directionInactive = "inactive"
)

// withDirection rewrites the direction attribute of every audio section,
// bumping the origin version as a re-offer requires.
func withDirection(raw, direction string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("failed to parse SDP: %w", err)
	}

	desc.Origin.SessionVersion++
	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "audio" {
			continue
		}
		attrs := media.Attributes[:0]
		for _, attr := range media.Attributes {
			switch attr.Key {
			case directionSendRecv, directionSendOnly, directionRecvOnly, directionInactive:
				continue
			}
			attrs = append(attrs, attr)
		}
		media.Attributes = append(attrs, sdp.NewPropertyAttribute(direction))
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to encode SDP: %w", err)
	}
	return string(out), nil
}
