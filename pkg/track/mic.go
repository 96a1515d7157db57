package track

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/silviot/voicecall/internal/observe"
	"github.com/silviot/voicecall/pkg/audio"
)

// FrameSource yields captured frames. *device.Capture implements it.
type FrameSource interface {
	Frames() <-chan audio.Frame
}

// MicrophoneConfig configures a MicrophoneSource.
type MicrophoneConfig struct {
	SampleRate    int           // Session clock rate (default 48000)
	Channels      int           // Session channel count (default 1)
	FrameDuration time.Duration // Default 20ms
	ReadTimeout   time.Duration // Wait before emitting silence (default 100ms)

	NoiseGate     audio.NoiseGate
	NormalizePeak float32 // Default 0.95

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

func (c *MicrophoneConfig) setDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = OpusClockRate
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 100 * time.Millisecond
	}
	if c.NormalizePeak <= 0 || c.NormalizePeak > 1 {
		c.NormalizePeak = 0.95
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
}

// MicrophoneSource produces fixed-duration frames at the session clock from
// the capture queue. NextFrame never blocks longer than the read timeout: a
// stalled microphone yields silence.
type MicrophoneSource struct {
	src     FrameSource
	cfg     MicrophoneConfig
	logger  *slog.Logger
	metrics *observe.Metrics

	frameSamples int // Per channel
	chunker      *audio.ChunkBuffer
	resampler    *audio.Resampler
	ready        [][]float32

	pts      int64 // Samples per channel emitted so far
	frames   int64
	silences int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMicrophoneSource creates a source reading from src.
func NewMicrophoneSource(src FrameSource, cfg MicrophoneConfig) (*MicrophoneSource, error) {
	cfg.setDefaults()
	if !validFrameDuration(cfg.FrameDuration) {
		return nil, fmt.Errorf("invalid frame duration %s", cfg.FrameDuration)
	}

	m := &MicrophoneSource{
		src:          src,
		cfg:          cfg,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		frameSamples: audio.SamplesFor(cfg.SampleRate, cfg.FrameDuration),
		chunker:      audio.NewChunkBuffer(cfg.SampleRate, cfg.Channels, int(cfg.FrameDuration/time.Millisecond), cfg.Logger),
		stopCh:       make(chan struct{}),
	}
	return m, nil
}

// NextFrame returns the next session frame. Timestamps advance by exactly one
// frame per call, including silence frames.
func (m *MicrophoneSource) NextFrame(ctx context.Context) (audio.Frame, error) {
	select {
	case <-m.stopCh:
		return audio.Frame{}, ErrStopped
	default:
	}

	if len(m.ready) > 0 {
		return m.emit(m.pop()), nil
	}

	timer := time.NewTimer(m.cfg.ReadTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return audio.Frame{}, ctx.Err()
		case <-m.stopCh:
			return audio.Frame{}, ErrStopped
		case f := <-m.src.Frames():
			if err := m.ingest(f); err != nil {
				m.logger.Debug("dropping capture buffer", "error", err)
				continue
			}
			if len(m.ready) > 0 {
				return m.emit(m.pop()), nil
			}
		case <-timer.C:
			m.silences++
			m.metrics.RecordSilenceFrame(ctx)
			if m.silences <= 3 || m.silences%250 == 0 {
				m.logger.Debug("microphone read timed out, sending silence",
					"timeout", m.cfg.ReadTimeout, "silenceFrames", m.silences)
			}
			return m.emit(make([]float32, m.frameSamples*m.cfg.Channels)), nil
		}
	}
}

func (m *MicrophoneSource) ingest(f audio.Frame) error {
	if f.Channels <= 0 || f.SampleRate <= 0 {
		return fmt.Errorf("malformed frame: %d Hz, %d channel(s)", f.SampleRate, f.Channels)
	}
	f = audio.ConvertChannels(f, m.cfg.Channels)

	if f.SampleRate != m.cfg.SampleRate {
		if m.resampler == nil || m.resampler.InputRate() != f.SampleRate {
			r, err := audio.NewResampler(f.SampleRate, m.cfg.SampleRate, m.cfg.Channels, m.logger)
			if err != nil {
				return err
			}
			m.resampler = r
		}
		var err error
		if f, err = m.resampler.ResampleFrame(f); err != nil {
			return err
		}
	}

	m.ready = append(m.ready, m.chunker.Add(f.Samples)...)
	return nil
}

func (m *MicrophoneSource) pop() []float32 {
	chunk := m.ready[0]
	m.ready[0] = nil
	m.ready = m.ready[1:]
	return chunk
}

func (m *MicrophoneSource) emit(samples []float32) audio.Frame {
	m.cfg.NoiseGate.Apply(samples)
	audio.NormalizePeak(samples, m.cfg.NormalizePeak)

	f := audio.Frame{
		Samples:    samples,
		SampleRate: m.cfg.SampleRate,
		Channels:   m.cfg.Channels,
		Timestamp:  m.pts,
	}
	m.pts += int64(m.frameSamples)
	m.frames++
	return f
}

// Silences returns how many silence frames have been emitted.
func (m *MicrophoneSource) Silences() int64 { return m.silences }

// Stop makes NextFrame return ErrStopped. Safe to call more than once.
func (m *MicrophoneSource) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.chunker.Reset()
	})
}

// SampleWriter accepts encoded media. *webrtc.TrackLocalStaticSample
// implements it.
type SampleWriter interface {
	WriteSample(s media.Sample) error
}

// Pump moves frames from a MicrophoneSource through an Encoder onto a track.
type Pump struct {
	src    *MicrophoneSource
	enc    Encoder
	w      SampleWriter
	logger *slog.Logger
}

// NewPump creates a pump. Call Run to start it.
func NewPump(src *MicrophoneSource, enc Encoder, w SampleWriter, logger *slog.Logger) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{src: src, enc: enc, w: w, logger: logger}
}

// Run pumps until ctx is done or the source is stopped. Encoding and write
// errors are logged and the frame skipped.
func (p *Pump) Run(ctx context.Context) error {
	buf := make([]byte, maxOpusPacket)
	var sent, failed int64

	for {
		frame, err := p.src.NextFrame(ctx)
		if err != nil {
			p.logger.Debug("microphone pump stopped", "sent", sent, "failed", failed, "reason", err)
			if errors.Is(err, ErrStopped) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		n, err := p.enc.Encode(frame.Samples, buf)
		if err == nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			err = p.w.WriteSample(media.Sample{Data: data, Duration: frame.Duration()})
		}
		if err != nil {
			failed++
			if failed <= 3 || failed%100 == 0 {
				p.logger.Warn("failed to send microphone frame", "error", err, "failed", failed)
			}
			continue
		}

		sent++
		if sent <= 3 || sent%500 == 0 {
			p.logger.Debug("microphone frame sent", "frames", sent, "ts", frame.Timestamp, "bytes", n)
		}
	}
}
