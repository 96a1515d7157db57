// Package config defines the voicecall configuration file and its loader.
package config

import "time"

// LogLevel is the minimum slog level for the process logger.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the known levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root of the YAML configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Signaling SignalingConfig `yaml:"signaling"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Audio     AudioConfig     `yaml:"audio"`
	Calls     CallsConfig     `yaml:"calls"`
}

// ServerConfig controls the HTTP control surface and logging.
type ServerConfig struct {
	ListenAddr string   `yaml:"listen_addr"`
	LogLevel   LogLevel `yaml:"log_level"`
}

// SignalingConfig points at the JSON-over-WebSocket relay.
type SignalingConfig struct {
	URL              string        `yaml:"url"`
	Token            string        `yaml:"token"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
}

// TURNServer is a TURN relay with credentials.
type TURNServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// WebRTCConfig configures peer connections.
type WebRTCConfig struct {
	STUN []string     `yaml:"stun"`
	TURN []TURNServer `yaml:"turn"`

	// ReceiveMTU sizes the inbound packet buffers.
	ReceiveMTU int `yaml:"receive_mtu"`

	// ICEGatherGrace bounds how long offer/answer creation waits for
	// candidate gathering before returning.
	ICEGatherGrace time.Duration `yaml:"ice_gather_grace"`

	// RestartTimeout bounds how long a restarting answerer waits for the
	// offerer's fresh offer.
	RestartTimeout time.Duration `yaml:"restart_timeout"`

	// DisconnectedTimeout is how long ICE may stay disconnected before the
	// connection is declared failed and a restart is attempted.
	DisconnectedTimeout time.Duration `yaml:"disconnected_timeout"`
}

// AudioConfig configures the device layer and track adapters.
type AudioConfig struct {
	// Session clock and channel layout of outbound frames.
	SampleRate    int           `yaml:"sample_rate"`
	Channels      int           `yaml:"channels"`
	FrameDuration time.Duration `yaml:"frame_duration"`

	// Preferred playback stream shape.
	PlaybackSampleRate int `yaml:"playback_sample_rate"`
	PlaybackChannels   int `yaml:"playback_channels"`

	// OutputFormats are tried in order at the playback rate, then
	// FallbackSampleRate is tried with s16.
	OutputFormats      []string `yaml:"output_formats"`
	FallbackSampleRate int      `yaml:"fallback_sample_rate"`

	// Device indexes; -1 selects the system default.
	InputDevice  int `yaml:"input_device"`
	OutputDevice int `yaml:"output_device"`

	BlockSize        int           `yaml:"block_size"`
	CaptureQueueSize int           `yaml:"capture_queue_size"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`

	NoiseGateThreshold   float64 `yaml:"noise_gate_threshold"`
	NoiseGateAttenuation float64 `yaml:"noise_gate_attenuation"`
	NormalizePeak        float64 `yaml:"normalize_peak"`
	PlaybackGain         float64 `yaml:"playback_gain"`

	// StopGrace is how long adapter stop paths wait before forcing.
	StopGrace time.Duration `yaml:"stop_grace"`
}

// CallsConfig configures call orchestration.
type CallsConfig struct {
	AutoAnswer            bool          `yaml:"auto_answer"`
	MaxConcurrentCalls    int           `yaml:"max_concurrent_calls"`
	PendingCandidateTTL   time.Duration `yaml:"pending_candidate_ttl"`
	PendingCandidateLimit int           `yaml:"pending_candidate_limit"`
}

// Default returns a configuration with every field populated.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Signaling: SignalingConfig{
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     25 * time.Second,
		},
		WebRTC: WebRTCConfig{
			STUN:                []string{"stun:stun.l.google.com:19302"},
			ReceiveMTU:          16384,
			ICEGatherGrace:      time.Second,
			RestartTimeout:      10 * time.Second,
			DisconnectedTimeout: 5 * time.Second,
		},
		Audio: AudioConfig{
			SampleRate:           48000,
			Channels:             1,
			FrameDuration:        20 * time.Millisecond,
			PlaybackSampleRate:   48000,
			PlaybackChannels:     2,
			OutputFormats:        []string{"f32", "s16"},
			FallbackSampleRate:   44100,
			InputDevice:          -1,
			OutputDevice:         -1,
			BlockSize:            960,
			CaptureQueueSize:     50,
			ReadTimeout:          100 * time.Millisecond,
			NoiseGateThreshold:   0.005,
			NoiseGateAttenuation: 0.1,
			NormalizePeak:        0.95,
			PlaybackGain:         10,
			StopGrace:            500 * time.Millisecond,
		},
		Calls: CallsConfig{
			AutoAnswer:            true,
			MaxConcurrentCalls:    1,
			PendingCandidateTTL:   30 * time.Second,
			PendingCandidateLimit: 64,
		},
	}
}
