package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/silviot/voicecall/internal/observe"
	"github.com/silviot/voicecall/pkg/audio"
	"github.com/silviot/voicecall/pkg/device"
	"github.com/silviot/voicecall/pkg/track"
)

// AudioIO is the shared device layer as seen by a call.
type AudioIO interface {
	track.Output
	OpenInput(sampleRate, channels int) (track.FrameSource, error)
	CloseInput() error
}

type deviceIO struct{ *device.AudioDevice }

func (d deviceIO) OpenInput(sampleRate, channels int) (track.FrameSource, error) {
	c, err := d.AudioDevice.OpenInput(sampleRate, channels)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// DeviceIO adapts an AudioDevice for use by calls.
func DeviceIO(d *device.AudioDevice) AudioIO {
	return deviceIO{d}
}

// MediaConfig configures the per-call audio adapters.
type MediaConfig struct {
	Audio AudioIO

	// Outbound session frames
	SampleRate    int
	Channels      int
	FrameDuration time.Duration
	ReadTimeout   time.Duration
	NoiseGate     audio.NoiseGate
	NormalizePeak float32

	// Playback
	PlaybackRate     int
	PlaybackChannels int
	Gain             float32
	StopGrace        time.Duration

	// Codec constructors; default to Opus.
	NewEncoder func(sampleRate, channels int) (track.Encoder, error)
	NewDecoder func(sampleRate, channels int) (track.Decoder, error)

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

func (c *MediaConfig) setDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = track.OpusClockRate
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.PlaybackRate <= 0 {
		c.PlaybackRate = track.OpusClockRate
	}
	if c.PlaybackChannels <= 0 {
		c.PlaybackChannels = 2
	}
	if c.NewEncoder == nil {
		c.NewEncoder = track.NewOpusEncoder
	}
	if c.NewDecoder == nil {
		c.NewDecoder = track.NewOpusDecoder
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
}

// AudioMedia connects one call to the shared AudioIO: microphone frames are
// encoded onto the local track and the remote track is played back.
type AudioMedia struct {
	cfg    MediaConfig
	logger *slog.Logger
	local  *webrtc.TrackLocalStaticSample

	mu         sync.Mutex
	mic        *track.MicrophoneSource
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
	inputOpen  bool
	outputOpen bool
	sink       *track.RemoteSink
	closed     bool
}

// NewAudioMedia creates the local track for streamID. No device is opened
// until StartCapture or PlayRemote.
func NewAudioMedia(streamID string, cfg MediaConfig) (*AudioMedia, error) {
	cfg.setDefaults()
	if cfg.Audio == nil {
		return nil, errors.New("call: media needs an audio device")
	}
	local, err := track.NewOpusTrack(streamID)
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}
	return &AudioMedia{
		cfg:    cfg,
		logger: cfg.Logger.With("stream", streamID),
		local:  local,
	}, nil
}

func (m *AudioMedia) LocalTrack() webrtc.TrackLocal { return m.local }

// StartCapture opens the output stream, then the input stream, and starts the
// encode pump. Playback is opened here so a device that accepts no output
// format fails the call before it is reported connected. Calling it again
// while capture runs is a no-op.
func (m *AudioMedia) StartCapture(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.mic != nil {
		return nil
	}

	openedOutput := !m.outputOpen
	if err := m.openOutputLocked(); err != nil {
		return err
	}

	src, err := m.cfg.Audio.OpenInput(m.cfg.SampleRate, m.cfg.Channels)
	if err != nil {
		if openedOutput {
			m.closeOutputLocked()
		}
		return fmt.Errorf("open input: %w", err)
	}
	m.inputOpen = true

	mic, err := track.NewMicrophoneSource(src, track.MicrophoneConfig{
		SampleRate:    m.cfg.SampleRate,
		Channels:      m.cfg.Channels,
		FrameDuration: m.cfg.FrameDuration,
		ReadTimeout:   m.cfg.ReadTimeout,
		NoiseGate:     m.cfg.NoiseGate,
		NormalizePeak: m.cfg.NormalizePeak,
		Logger:        m.logger,
		Metrics:       m.cfg.Metrics,
	})
	if err == nil {
		var enc track.Encoder
		if enc, err = m.cfg.NewEncoder(m.cfg.SampleRate, m.cfg.Channels); err == nil {
			m.startPump(ctx, mic, enc)
			return nil
		}
	}

	m.inputOpen = false
	if cerr := m.cfg.Audio.CloseInput(); cerr != nil {
		m.logger.Warn("failed to close input", "error", cerr)
	}
	if openedOutput {
		m.closeOutputLocked()
	}
	return err
}

// openOutputLocked opens playback once per call; m.mu must be held.
func (m *AudioMedia) openOutputLocked() error {
	if m.outputOpen {
		return nil
	}
	if err := m.cfg.Audio.OpenOutput(m.cfg.PlaybackRate, m.cfg.PlaybackChannels); err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	m.outputOpen = true
	return nil
}

func (m *AudioMedia) closeOutputLocked() {
	if !m.outputOpen {
		return
	}
	m.outputOpen = false
	if err := m.cfg.Audio.CloseOutput(); err != nil {
		m.logger.Warn("failed to close output", "error", err)
	}
}

func (m *AudioMedia) startPump(ctx context.Context, mic *track.MicrophoneSource, enc track.Encoder) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mic = mic
	m.pumpCancel = cancel
	m.pumpDone = done

	pump := track.NewPump(mic, enc, m.local, m.logger)
	go func() {
		defer close(done)
		if err := pump.Run(ctx); err != nil {
			m.logger.Warn("microphone pump exited", "error", err)
		}
	}()
	m.logger.Info("microphone capture started", "sampleRate", m.cfg.SampleRate, "channels", m.cfg.Channels)
}

// PlayRemote plays t through the device until the track ends or playback is
// stopped. Any previous remote playback is stopped first. The output stream is
// opened here if StartCapture has not opened it yet.
func (m *AudioMedia) PlayRemote(ctx context.Context, t RemoteTrack) error {
	codec := t.Codec()
	rate := int(codec.ClockRate)
	if rate <= 0 {
		rate = track.OpusClockRate
	}
	channels := int(codec.Channels)
	if channels <= 0 {
		channels = 2
	}

	dec, err := m.cfg.NewDecoder(rate, channels)
	if err != nil {
		return err
	}
	sink, err := track.NewRemoteSink(t, dec, m.cfg.Audio, track.SinkConfig{
		DecodeRate:       rate,
		DecodeChannels:   channels,
		PlaybackRate:     m.cfg.PlaybackRate,
		PlaybackChannels: m.cfg.PlaybackChannels,
		Gain:             m.cfg.Gain,
		StopGrace:        m.cfg.StopGrace,
		OutputReady:      true,
		Logger:           m.logger,
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	if err := m.openOutputLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	prev := m.sink
	m.sink = sink
	m.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	return sink.Run(ctx)
}

// StopRemote stops remote playback. The output stream stays open for the
// next remote track.
func (m *AudioMedia) StopRemote() {
	m.mu.Lock()
	sink := m.sink
	m.sink = nil
	m.mu.Unlock()

	if sink != nil {
		sink.Stop()
	}
}

// Close stops both directions and releases both streams.
func (m *AudioMedia) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	mic, cancel, done, inputOpen := m.mic, m.pumpCancel, m.pumpDone, m.inputOpen
	m.mic = nil
	m.inputOpen = false
	m.mu.Unlock()

	m.StopRemote()

	if mic != nil {
		mic.Stop()
		cancel()
		<-done
	}
	var errs []error
	if inputOpen {
		if err := m.cfg.Audio.CloseInput(); err != nil {
			errs = append(errs, fmt.Errorf("close input: %w", err))
		}
	}
	m.mu.Lock()
	outputOpen := m.outputOpen
	m.outputOpen = false
	m.mu.Unlock()
	if outputOpen {
		if err := m.cfg.Audio.CloseOutput(); err != nil {
			errs = append(errs, fmt.Errorf("close output: %w", err))
		}
	}
	return errors.Join(errs...)
}
