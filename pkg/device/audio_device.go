package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/silviot/voicecall/internal/observe"
	"github.com/silviot/voicecall/pkg/audio"
)

// Options configures an AudioDevice.
type Options struct {
	InputDevice  int // DefaultDevice or an Info.Index
	OutputDevice int

	BlockSize        int // Frames per hardware callback (default 960)
	CaptureQueueSize int // Buffered capture callbacks (default 50)

	// OutputFormats are tried in order at the requested rate before falling
	// back to FallbackSampleRate with s16.
	OutputFormats      []audio.SampleFormat
	FallbackSampleRate int

	// NormalizePeak is the peak target applied before encoding playback
	// frames (default 1.0, clip only).
	NormalizePeak float32

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

func (o *Options) setDefaults() {
	if o.BlockSize <= 0 {
		o.BlockSize = 960
	}
	if o.CaptureQueueSize <= 0 {
		o.CaptureQueueSize = 50
	}
	if len(o.OutputFormats) == 0 {
		o.OutputFormats = []audio.SampleFormat{audio.FormatF32, audio.FormatS16}
	}
	if o.FallbackSampleRate <= 0 {
		o.FallbackSampleRate = 44100
	}
	if o.NormalizePeak <= 0 || o.NormalizePeak > 1 {
		o.NormalizePeak = 1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = observe.DefaultMetrics()
	}
}

// AudioDevice is the single owner of one playback and one capture stream.
// It is safe for concurrent use.
type AudioDevice struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
	metrics *observe.Metrics

	outMu sync.Mutex
	out   *output

	inMu sync.Mutex
	in   *Capture
}

type output struct {
	stream PlaybackStream
	cfg    StreamConfig

	// What the caller asked for; reinitialisation replays it.
	reqRate     int
	reqChannels int

	resampler *audio.Resampler
	written   int64
}

// New creates an AudioDevice over backend. No stream is opened until
// OpenOutput or OpenInput is called.
func New(backend Backend, opts Options) *AudioDevice {
	opts.setDefaults()
	return &AudioDevice{
		backend: backend,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Devices lists the hardware endpoints.
func (d *AudioDevice) Devices() ([]Info, error) {
	return d.backend.Devices()
}

// OpenOutput opens the playback stream, trying the requested format first and
// then each fallback candidate in order. If every candidate fails a
// *FormatError wrapping ErrNoSupportedFormat is returned.
func (d *AudioDevice) OpenOutput(sampleRate, channels int) error {
	if sampleRate <= 0 || channels <= 0 {
		return fmt.Errorf("%w: %d Hz, %d channel(s)", ErrUnsupportedConfig, sampleRate, channels)
	}

	d.outMu.Lock()
	defer d.outMu.Unlock()

	if d.out != nil {
		return ErrDeviceBusy
	}

	out, err := d.openOutputLocked(sampleRate, channels)
	if err != nil {
		return err
	}
	d.out = out
	return nil
}

// outputCandidates lists the formats to try, deduplicated, in order.
func (d *AudioDevice) outputCandidates(sampleRate int) []FormatAttempt {
	var candidates []FormatAttempt
	add := func(rate int, format audio.SampleFormat) {
		for _, c := range candidates {
			if c.SampleRate == rate && c.Format == format {
				return
			}
		}
		candidates = append(candidates, FormatAttempt{SampleRate: rate, Format: format})
	}
	for _, f := range d.opts.OutputFormats {
		add(sampleRate, f)
	}
	add(d.opts.FallbackSampleRate, audio.FormatS16)
	return candidates
}

func (d *AudioDevice) openOutputLocked(sampleRate, channels int) (*output, error) {
	streamChannels := channels
	if info, ok := d.lookup(d.opts.OutputDevice); ok && info.MaxOutputChannels > 0 && streamChannels > info.MaxOutputChannels {
		d.logger.Info("clamping output channels to device maximum",
			"device", info.Name, "requested", channels, "max", info.MaxOutputChannels)
		streamChannels = info.MaxOutputChannels
	}

	fe := &FormatError{Channels: streamChannels}
	for i, c := range d.outputCandidates(sampleRate) {
		cfg := StreamConfig{
			DeviceIndex: d.opts.OutputDevice,
			SampleRate:  c.SampleRate,
			Channels:    streamChannels,
			BlockSize:   d.opts.BlockSize,
			Format:      c.Format,
		}
		stream, err := d.backend.OpenPlayback(cfg)
		if err != nil {
			d.logger.Warn("output format rejected, trying next candidate",
				"sampleRate", c.SampleRate, "format", c.Format.String(), "error", err)
			c.Err = err
			fe.Attempts = append(fe.Attempts, c)
			continue
		}

		d.logger.Info("output stream opened",
			"sampleRate", cfg.SampleRate, "channels", cfg.Channels,
			"format", cfg.Format.String(), "fallback", i > 0)
		d.metrics.RecordOutputOpen(context.Background(), cfg.Format.String(), i > 0)
		return &output{
			stream:      stream,
			cfg:         cfg,
			reqRate:     sampleRate,
			reqChannels: channels,
		}, nil
	}

	d.logger.Error("no output format accepted", "error", fe)
	return nil, fe
}

// OutputConfig returns the open playback stream's negotiated configuration.
func (d *AudioDevice) OutputConfig() (StreamConfig, bool) {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	if d.out == nil {
		return StreamConfig{}, false
	}
	return d.out.cfg, true
}

// Write plays f. A frame whose sample count is not a whole number of sample
// frames is rejected with audio.ErrMisaligned. Channel count and sample rate
// are converted to the open stream's, the frame is peak-normalized and clipped, then encoded. If the
// stream went inactive since the last write it is reopened transparently.
func (d *AudioDevice) Write(f audio.Frame) error {
	if f.Channels <= 0 || len(f.Samples)%f.Channels != 0 {
		return fmt.Errorf("%w: %d samples for %d channel(s)", audio.ErrMisaligned, len(f.Samples), f.Channels)
	}

	d.outMu.Lock()
	defer d.outMu.Unlock()

	if d.out == nil {
		return ErrNotOpen
	}

	if !d.out.stream.Active() {
		d.logger.Warn("output stream inactive, reinitializing",
			"sampleRate", d.out.cfg.SampleRate, "format", d.out.cfg.Format.String())
		_ = d.out.stream.Close()
		out, err := d.openOutputLocked(d.out.reqRate, d.out.reqChannels)
		if err != nil {
			d.out = nil
			return fmt.Errorf("reinitialize output: %w", err)
		}
		d.out = out
	}

	out := d.out
	frame := audio.Frame{
		Samples:    slices.Clone(f.Samples),
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Timestamp:  f.Timestamp,
	}
	frame = audio.ConvertChannels(frame, out.cfg.Channels)

	if frame.SampleRate != out.cfg.SampleRate {
		if out.resampler == nil || out.resampler.InputRate() != frame.SampleRate {
			r, err := audio.NewResampler(frame.SampleRate, out.cfg.SampleRate, out.cfg.Channels, d.logger)
			if err != nil {
				return fmt.Errorf("create playback resampler: %w", err)
			}
			out.resampler = r
		}
		resampled, err := out.resampler.ResampleFrame(frame)
		if err != nil {
			return fmt.Errorf("resample playback frame: %w", err)
		}
		frame = resampled
	}

	audio.NormalizePeak(frame.Samples, d.opts.NormalizePeak)

	if err := out.stream.Write(audio.Encode(frame, out.cfg.Format)); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	out.written++
	if out.written <= 3 || out.written%500 == 0 {
		d.logger.Debug("playback frame written",
			"frames", out.written, "samplesPerCh", frame.SamplesPerChannel(), "peak", audio.Peak(frame.Samples))
	}
	return nil
}

// CloseOutput closes the playback stream. It is safe to call when nothing is
// open.
func (d *AudioDevice) CloseOutput() error {
	d.outMu.Lock()
	defer d.outMu.Unlock()

	if d.out == nil {
		return nil
	}
	err := d.out.stream.Close()
	d.logger.Info("output stream closed", "framesWritten", d.out.written)
	d.out = nil
	return err
}

// Capture is an open microphone stream. Frames are decoded copies of the
// hardware buffers; when the queue is full new buffers are dropped.
type Capture struct {
	frames  chan audio.Frame
	done    chan struct{}
	cfg     StreamConfig
	device  string
	stream  CaptureStream
	dropped atomic.Int64
	pos     int64 // Only touched from the audio callback
}

// Frames returns the hand-off queue.
func (c *Capture) Frames() <-chan audio.Frame { return c.frames }

// Done is closed once the capture stream is closed.
func (c *Capture) Done() <-chan struct{} { return c.done }

// Config returns the stream configuration.
func (c *Capture) Config() StreamConfig { return c.cfg }

// Dropped returns the number of buffers dropped because the queue was full.
func (c *Capture) Dropped() int64 { return c.dropped.Load() }

// onData runs on the audio thread and must not block.
func (c *Capture) onData(data []byte) {
	frame, err := audio.Decode(data, c.cfg.Format, c.cfg.SampleRate, c.cfg.Channels)
	if err != nil {
		c.dropped.Add(1)
		return
	}
	frame.Timestamp = c.pos
	c.pos += int64(frame.SamplesPerChannel())

	select {
	case c.frames <- frame:
	default:
		c.dropped.Add(1)
	}
}

// OpenInput selects the configured or default capture device, checks the
// request against its capabilities and starts capturing.
func (d *AudioDevice) OpenInput(sampleRate, channels int) (*Capture, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: %d Hz, %d channel(s)", ErrUnsupportedConfig, sampleRate, channels)
	}

	d.inMu.Lock()
	defer d.inMu.Unlock()

	if d.in != nil {
		return nil, ErrDeviceBusy
	}

	info, err := d.selectInput()
	if err != nil {
		return nil, err
	}
	if channels > info.MaxInputChannels {
		return nil, fmt.Errorf("%w: %q supports %d input channel(s), requested %d",
			ErrUnsupportedConfig, info.Name, info.MaxInputChannels, channels)
	}

	c := &Capture{
		frames: make(chan audio.Frame, d.opts.CaptureQueueSize),
		done:   make(chan struct{}),
		device: info.Name,
		cfg: StreamConfig{
			DeviceIndex: info.Index,
			SampleRate:  sampleRate,
			Channels:    channels,
			BlockSize:   d.opts.BlockSize,
			Format:      audio.FormatS16,
		},
	}
	if d.opts.InputDevice == DefaultDevice {
		c.cfg.DeviceIndex = DefaultDevice
	}

	stream, err := d.backend.OpenCapture(c.cfg, c.onData)
	if err != nil {
		return nil, fmt.Errorf("open capture on %q: %w", info.Name, err)
	}
	c.stream = stream
	d.in = c

	d.logger.Info("input stream opened",
		"device", info.Name, "sampleRate", sampleRate, "channels", channels, "blockSize", d.opts.BlockSize)
	return c, nil
}

func (d *AudioDevice) selectInput() (Info, error) {
	devices, err := d.backend.Devices()
	if err != nil {
		return Info{}, fmt.Errorf("enumerate devices: %w", err)
	}

	if d.opts.InputDevice != DefaultDevice {
		for _, info := range devices {
			if info.Index == d.opts.InputDevice {
				if info.MaxInputChannels == 0 {
					return Info{}, fmt.Errorf("%w: device %d (%q) has no input channels",
						ErrNoInputDevice, info.Index, info.Name)
				}
				return info, nil
			}
		}
		return Info{}, fmt.Errorf("%w: device %d not found", ErrNoInputDevice, d.opts.InputDevice)
	}

	var first *Info
	for i := range devices {
		if devices[i].MaxInputChannels == 0 {
			continue
		}
		if devices[i].IsDefault {
			return devices[i], nil
		}
		if first == nil {
			first = &devices[i]
		}
	}
	if first == nil {
		return Info{}, ErrNoInputDevice
	}
	return *first, nil
}

// lookup finds a device by index. DefaultDevice never matches.
func (d *AudioDevice) lookup(index int) (Info, bool) {
	if index == DefaultDevice {
		return Info{}, false
	}
	devices, err := d.backend.Devices()
	if err != nil {
		return Info{}, false
	}
	for _, info := range devices {
		if info.Index == index {
			return info, true
		}
	}
	return Info{}, false
}

// CloseInput stops capture. It is safe to call when nothing is open.
func (d *AudioDevice) CloseInput() error {
	d.inMu.Lock()
	defer d.inMu.Unlock()

	if d.in == nil {
		return nil
	}
	c := d.in
	d.in = nil

	err := c.stream.Close()
	close(c.done)

	if dropped := c.Dropped(); dropped > 0 {
		d.metrics.RecordCaptureDropped(context.Background(), dropped)
	}
	d.logger.Info("input stream closed", "device", c.device, "dropped", c.Dropped())
	return err
}

// Close closes both directions.
func (d *AudioDevice) Close() error {
	return errors.Join(d.CloseInput(), d.CloseOutput())
}
