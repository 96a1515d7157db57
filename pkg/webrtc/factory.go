// Package webrtc builds pion peer connections configured for audio-only
// voice calls.
package webrtc

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the subset of *webrtc.PeerConnection a call drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

// Factory creates peer connections sharing one ICE configuration
type Factory struct {
	config     webrtc.Configuration
	receiveMTU uint
	disconnect time.Duration
	logger     *slog.Logger
}

// NewFactory creates a new peer connection factory
func NewFactory(cfg ConnectionConfig, logger *slog.Logger) (*Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Build WebRTC configuration from ConnectionConfig
	rtcConfig := webrtc.Configuration{}

	// Add STUN servers
	for _, stunURL := range cfg.STUN {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs: []string{stunURL},
		})
	}

	// Add TURN servers
	for _, turn := range cfg.TURN {
		if len(turn.URLs) == 0 {
			return nil, fmt.Errorf("TURN server without URLs")
		}
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs:       turn.URLs,
			Username:   turn.Username,
			Credential: turn.Credential,
		})
	}

	mtu := cfg.ReceiveMTU
	if mtu <= 0 {
		mtu = 16384
	}
	disconnect := cfg.DisconnectedTimeout
	if disconnect <= 0 {
		disconnect = 5 * time.Second
	}

	return &Factory{
		config:     rtcConfig,
		receiveMTU: uint(mtu),
		disconnect: disconnect,
		logger:     logger,
	}, nil
}

// NewPeerConnection creates a peer connection that negotiates Opus audio only
func (f *Factory) NewPeerConnection() (PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Increased buffer sizes avoid "mux: failed to read from
	// packetio.Buffer short buffer" errors
	se := webrtc.SettingEngine{}
	se.SetReceiveMTU(f.receiveMTU)
	se.SetSRTPReplayProtectionWindow(1024)
	se.SetICETimeouts(f.disconnect, 2*f.disconnect, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	pc, err := api.NewPeerConnection(f.config)
	if err != nil {
		f.logger.Error("failed to create peer connection", "error", err)
		return nil, err
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		f.logger.Debug("ICE connection state changed", "state", state.String())
	})
	return pc, nil
}

// ICEServerCount returns the number of configured STUN and TURN servers
func (f *Factory) ICEServerCount() int {
	return len(f.config.ICEServers)
}
