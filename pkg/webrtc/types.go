package webrtc

import "time"

// ConnectionConfig holds WebRTC configuration
type ConnectionConfig struct {
	STUN []string // STUN server URLs
	TURN []TURNServer

	// ReceiveMTU sizes inbound packet buffers (default 16384)
	ReceiveMTU int

	// DisconnectedTimeout is how long ICE may stay disconnected before the
	// connection is reported failed (default 5s)
	DisconnectedTimeout time.Duration
}

// TURNServer represents a TURN server
type TURNServer struct {
	URLs       []string
	Username   string
	Credential string
}
