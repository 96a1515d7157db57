package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/silviot/voicecall/pkg/audio"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()

		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	ApplyEnv(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over [Default] and validates the result.
// An empty document yields the defaults. Useful in tests.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg from the environment. getenv is usually os.Getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("VOICECALL_SIGNALING_URL"); v != "" {
		cfg.Signaling.URL = v
	}
	if v := getenv("VOICECALL_TOKEN"); v != "" {
		cfg.Signaling.Token = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v := getenv("PORT"); v != "" {
		cfg.Server.ListenAddr = ":" + v
	}
}

// Validate checks cfg and returns every problem found joined together.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Signaling.URL != "" {
		u, err := url.Parse(cfg.Signaling.URL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("signaling.url: %w", err))
		case u.Scheme != "ws" && u.Scheme != "wss":
			errs = append(errs, fmt.Errorf("signaling.url scheme %q must be ws or wss", u.Scheme))
		}
	}
	if cfg.Signaling.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("signaling.handshake_timeout must be positive"))
	}
	if cfg.Signaling.PingInterval <= 0 {
		errs = append(errs, errors.New("signaling.ping_interval must be positive"))
	}

	for i, turn := range cfg.WebRTC.TURN {
		if len(turn.URLs) == 0 {
			errs = append(errs, fmt.Errorf("webrtc.turn[%d].urls must not be empty", i))
		}
	}
	if cfg.WebRTC.ReceiveMTU < 0 {
		errs = append(errs, errors.New("webrtc.receive_mtu must not be negative"))
	}
	if cfg.WebRTC.ICEGatherGrace <= 0 {
		errs = append(errs, errors.New("webrtc.ice_gather_grace must be positive"))
	}
	if cfg.WebRTC.RestartTimeout <= 0 {
		errs = append(errs, errors.New("webrtc.restart_timeout must be positive"))
	}
	if cfg.WebRTC.DisconnectedTimeout <= 0 {
		errs = append(errs, errors.New("webrtc.disconnected_timeout must be positive"))
	}

	a := cfg.Audio
	if a.SampleRate <= 0 || a.PlaybackSampleRate <= 0 || a.FallbackSampleRate <= 0 {
		errs = append(errs, errors.New("audio sample rates must be positive"))
	}
	if a.Channels < 1 || a.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d must be 1 or 2", a.Channels))
	}
	if a.PlaybackChannels < 1 {
		errs = append(errs, fmt.Errorf("audio.playback_channels %d must be at least 1", a.PlaybackChannels))
	}
	if a.FrameDuration <= 0 {
		errs = append(errs, errors.New("audio.frame_duration must be positive"))
	} else if a.SampleRate > 0 && audio.SamplesFor(a.SampleRate, a.FrameDuration) == 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration %s is too short for %d Hz", a.FrameDuration, a.SampleRate))
	}
	if len(a.OutputFormats) == 0 {
		errs = append(errs, errors.New("audio.output_formats must list at least one format"))
	}
	for _, f := range a.OutputFormats {
		if _, err := audio.ParseSampleFormat(f); err != nil {
			errs = append(errs, fmt.Errorf("audio.output_formats: %w", err))
		}
	}
	if a.InputDevice < -1 || a.OutputDevice < -1 {
		errs = append(errs, errors.New("audio device indexes must be -1 (default) or a valid index"))
	}
	if a.BlockSize <= 0 {
		errs = append(errs, errors.New("audio.block_size must be positive"))
	}
	if a.CaptureQueueSize <= 0 {
		errs = append(errs, errors.New("audio.capture_queue_size must be positive"))
	}
	if a.ReadTimeout <= 0 {
		errs = append(errs, errors.New("audio.read_timeout must be positive"))
	}
	if a.NoiseGateThreshold < 0 || a.NoiseGateAttenuation < 0 || a.NoiseGateAttenuation > 1 {
		errs = append(errs, errors.New("audio noise gate threshold must be >= 0 and attenuation within [0, 1]"))
	}
	if a.NormalizePeak <= 0 || a.NormalizePeak > 1 {
		errs = append(errs, fmt.Errorf("audio.normalize_peak %v must be within (0, 1]", a.NormalizePeak))
	}
	if a.PlaybackGain <= 0 {
		errs = append(errs, fmt.Errorf("audio.playback_gain %v must be positive", a.PlaybackGain))
	}
	if a.StopGrace <= 0 {
		errs = append(errs, errors.New("audio.stop_grace must be positive"))
	}

	if cfg.Calls.MaxConcurrentCalls < 1 {
		errs = append(errs, fmt.Errorf("calls.max_concurrent_calls %d must be at least 1", cfg.Calls.MaxConcurrentCalls))
	}
	if cfg.Calls.PendingCandidateTTL <= 0 {
		errs = append(errs, errors.New("calls.pending_candidate_ttl must be positive"))
	}
	if cfg.Calls.PendingCandidateLimit < 1 {
		errs = append(errs, errors.New("calls.pending_candidate_limit must be at least 1"))
	}

	return errors.Join(errs...)
}

// ParsedOutputFormats returns the parsed output format preference list.
func (a AudioConfig) ParsedOutputFormats() []audio.SampleFormat {
	out := make([]audio.SampleFormat, 0, len(a.OutputFormats))
	for _, s := range a.OutputFormats {
		if f, err := audio.ParseSampleFormat(s); err == nil {
			out = append(out, f)
		}
	}
	return out
}
