package track

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"

	"github.com/silviot/voicecall/pkg/audio"
)

// RTPReader is the inbound side of a remote track. *webrtc.TrackRemote
// implements it.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Output is the playback side of the device layer. *device.AudioDevice
// implements it.
type Output interface {
	OpenOutput(sampleRate, channels int) error
	Write(f audio.Frame) error
	CloseOutput() error
}

// SinkConfig configures a RemoteSink.
type SinkConfig struct {
	// Rate and layout of what arrives from the decoder.
	DecodeRate     int // Default 48000
	DecodeChannels int // Default 2

	// Requested playback stream shape.
	PlaybackRate     int // Default 48000
	PlaybackChannels int // Default 2

	// Gain compensates for quiet decoded levels. The result is hard-clipped.
	Gain float32 // Default 1

	// StopGrace bounds how long Stop waits for the loop to exit.
	StopGrace time.Duration // Default 500ms

	// OutputReady means the caller already opened Output and owns it; Run
	// neither opens nor closes it.
	OutputReady bool

	Logger *slog.Logger
}

func (c *SinkConfig) setDefaults() {
	if c.DecodeRate <= 0 {
		c.DecodeRate = OpusClockRate
	}
	if c.DecodeChannels <= 0 {
		c.DecodeChannels = 2
	}
	if c.PlaybackRate <= 0 {
		c.PlaybackRate = OpusClockRate
	}
	if c.PlaybackChannels <= 0 {
		c.PlaybackChannels = 2
	}
	if c.Gain <= 0 {
		c.Gain = 1
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RemoteSink plays a remote track through the device layer.
type RemoteSink struct {
	track  RTPReader
	dec    Decoder
	out    Output
	cfg    SinkConfig
	logger *slog.Logger

	resampler *audio.Resampler

	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
	opened    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewRemoteSink creates a sink. Call Run to start it.
func NewRemoteSink(track RTPReader, dec Decoder, out Output, cfg SinkConfig) (*RemoteSink, error) {
	cfg.setDefaults()
	s := &RemoteSink{
		track:  track,
		dec:    dec,
		out:    out,
		cfg:    cfg,
		logger: cfg.Logger,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if cfg.DecodeRate != cfg.PlaybackRate {
		r, err := audio.NewResampler(cfg.DecodeRate, cfg.PlaybackRate, cfg.DecodeChannels, cfg.Logger)
		if err != nil {
			return nil, err
		}
		s.resampler = r
	}
	return s, nil
}

// Run opens playback and forwards decoded audio until the track ends, ctx is
// done or Stop is called. Output is closed on every exit path. A nil return
// means the track ended or the sink was stopped; anything else is a playback
// failure.
func (s *RemoteSink) Run(ctx context.Context) (err error) {
	defer close(s.done)
	defer func() {
		if cerr := s.closeOutput(); cerr != nil && err == nil {
			s.logger.Warn("failed to close output", "error", cerr)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("remote sink panic: %v", r)
		}
	}()

	if !s.cfg.OutputReady {
		if err := s.out.OpenOutput(s.cfg.PlaybackRate, s.cfg.PlaybackChannels); err != nil {
			return fmt.Errorf("open output: %w", err)
		}
		s.opened.Store(true)
	}

	pcm := make([]float32, maxFrameSamples*s.cfg.DecodeChannels)
	var packets, decodeErrors int64

	for {
		if s.stopped() || ctx.Err() != nil {
			return nil
		}

		pkt, _, err := s.track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) || s.stopped() {
				s.logger.Info("remote track ended", "packets", packets)
				return nil
			}
			return fmt.Errorf("read rtp: %w", err)
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		packets++

		n, err := s.dec.Decode(pkt.Payload, pcm)
		if err != nil {
			decodeErrors++
			if decodeErrors <= 3 || decodeErrors%100 == 0 {
				s.logger.Debug("decode error", "error", err, "payloadLen", len(pkt.Payload), "decodeErrors", decodeErrors)
			}
			continue
		}
		if n == 0 {
			continue
		}

		frame := audio.Frame{
			Samples:    append([]float32(nil), pcm[:n*s.cfg.DecodeChannels]...),
			SampleRate: s.cfg.DecodeRate,
			Channels:   s.cfg.DecodeChannels,
			Timestamp:  int64(pkt.Timestamp),
		}
		if s.resampler != nil {
			if frame, err = s.resampler.ResampleFrame(frame); err != nil {
				return fmt.Errorf("resample: %w", err)
			}
		}
		if frame.Channels < s.cfg.PlaybackChannels {
			frame = audio.ConvertChannels(frame, s.cfg.PlaybackChannels)
		}
		audio.ApplyGain(frame.Samples, s.cfg.Gain)

		if packets <= 5 || packets%500 == 0 {
			s.logger.Debug("remote frame", "seq", pkt.SequenceNumber, "samplesPerCh", n,
				"peak", audio.Peak(frame.Samples), "packets", packets)
		}

		if s.stopped() {
			return nil
		}
		if err := s.out.Write(frame); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
}

func (s *RemoteSink) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// closeOutput releases playback once, and only if this sink opened it.
func (s *RemoteSink) closeOutput() error {
	if !s.opened.Load() {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closeErr = s.out.CloseOutput()
	})
	return s.closeErr
}

// Stop signals the loop and waits up to the stop grace for it to exit. If the
// loop is still blocked in a read, output is closed here instead.
func (s *RemoteSink) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	timer := time.NewTimer(s.cfg.StopGrace)
	defer timer.Stop()

	select {
	case <-s.done:
	case <-timer.C:
		s.logger.Warn("remote sink did not stop in time", "grace", s.cfg.StopGrace, "forceClose", s.opened.Load())
		_ = s.closeOutput()
	}
}

// Done is closed when Run returns.
func (s *RemoteSink) Done() <-chan struct{} { return s.done }
