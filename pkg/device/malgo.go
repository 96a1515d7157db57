package device

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/silviot/voicecall/pkg/audio"
)

// playbackBufferMs bounds queued playback audio; older audio is overwritten.
const playbackBufferMs = 200

var errStreamStopped = errors.New("device: stream stopped")

// MalgoBackend talks to the OS audio subsystem through miniaudio.
type MalgoBackend struct {
	ctx    *malgo.AllocatedContext
	logger *slog.Logger

	mu  sync.Mutex
	ids map[int]malgo.DeviceID // Info.Index → backend id, refreshed by Devices
}

// NewMalgoBackend initialises a miniaudio context.
func NewMalgoBackend(logger *slog.Logger) (*MalgoBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("malgo", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	return &MalgoBackend{
		ctx:    ctx,
		logger: logger,
		ids:    make(map[int]malgo.DeviceID),
	}, nil
}

// Devices lists playback endpoints followed by capture endpoints. Indexes are
// stable for as long as the OS device list does not change.
func (b *MalgoBackend) Devices() ([]Info, error) {
	playback, err := b.ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("list playback devices: %w", err)
	}
	capture, err := b.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("list capture devices: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.ids)
	infos := make([]Info, 0, len(playback)+len(capture))
	for _, d := range playback {
		info := describe(len(infos), d)
		info.MaxOutputChannels = maxChannels(d)
		b.ids[info.Index] = d.ID
		infos = append(infos, info)
	}
	for _, d := range capture {
		info := describe(len(infos), d)
		info.MaxInputChannels = maxChannels(d)
		b.ids[info.Index] = d.ID
		infos = append(infos, info)
	}
	return infos, nil
}

func describe(index int, d malgo.DeviceInfo) Info {
	info := Info{
		Index:             index,
		Name:              d.Name(),
		IsDefault:         d.IsDefault != 0,
		DefaultSampleRate: 48000,
	}
	if d.FormatCount > 0 && d.Formats[0].SampleRate > 0 {
		info.DefaultSampleRate = int(d.Formats[0].SampleRate)
	}
	return info
}

// maxChannels reports the widest native format. Backends that do not report
// native formats are assumed to accept stereo.
func maxChannels(d malgo.DeviceInfo) int {
	best := 0
	for i := 0; i < int(d.FormatCount) && i < len(d.Formats); i++ {
		best = max(best, int(d.Formats[i].Channels))
	}
	if best == 0 {
		best = 2
	}
	return best
}

func malgoFormat(f audio.SampleFormat) (malgo.FormatType, error) {
	switch f {
	case audio.FormatS16:
		return malgo.FormatS16, nil
	case audio.FormatF32:
		return malgo.FormatF32, nil
	}
	return malgo.FormatUnknown, fmt.Errorf("unsupported sample format %v", f)
}

func (b *MalgoBackend) configure(kind malgo.DeviceType, sc StreamConfig) (malgo.DeviceConfig, error) {
	format, err := malgoFormat(sc.Format)
	if err != nil {
		return malgo.DeviceConfig{}, err
	}

	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.SampleRate = uint32(sc.SampleRate)
	cfg.PeriodSizeInFrames = uint32(sc.BlockSize)

	sub := &cfg.Playback
	if kind == malgo.Capture {
		sub = &cfg.Capture
	}
	sub.Format = format
	sub.Channels = uint32(sc.Channels)

	if sc.DeviceIndex != DefaultDevice {
		b.mu.Lock()
		id, ok := b.ids[sc.DeviceIndex]
		b.mu.Unlock()
		if !ok {
			return malgo.DeviceConfig{}, fmt.Errorf("unknown device index %d", sc.DeviceIndex)
		}
		sub.DeviceID = id.Pointer()
	}
	return cfg, nil
}

// OpenPlayback starts a playback device fed from a bounded ring buffer.
func (b *MalgoBackend) OpenPlayback(sc StreamConfig) (PlaybackStream, error) {
	cfg, err := b.configure(malgo.Playback, sc)
	if err != nil {
		return nil, err
	}

	frameBytes := sc.Channels * sc.Format.BytesPerSample()
	p := &malgoPlayback{
		ring:   newByteRing(sc.SampleRate * playbackBufferMs / 1000 * frameBytes),
		logger: b.logger,
	}

	device, err := malgo.InitDevice(b.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			p.ring.Read(out)
		},
		Stop: func() {
			p.active.Store(false)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("start playback device: %w", err)
	}

	p.device = device
	p.active.Store(true)
	return p, nil
}

// OpenCapture starts a capture device that forwards each callback buffer to
// onData.
func (b *MalgoBackend) OpenCapture(sc StreamConfig, onData func([]byte)) (CaptureStream, error) {
	cfg, err := b.configure(malgo.Capture, sc)
	if err != nil {
		return nil, err
	}

	device, err := malgo.InitDevice(b.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			if len(in) > 0 {
				onData(in)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("start capture device: %w", err)
	}
	return &malgoCapture{device: device}, nil
}

// Close releases the miniaudio context. Streams must be closed first.
func (b *MalgoBackend) Close() error {
	err := b.ctx.Uninit()
	b.ctx.Free()
	return err
}

type malgoPlayback struct {
	device *malgo.Device
	ring   *byteRing
	active atomic.Bool
	logger *slog.Logger

	overruns  atomic.Int64
	closeOnce sync.Once
}

func (p *malgoPlayback) Write(data []byte) error {
	if !p.active.Load() {
		return errStreamStopped
	}
	if over := p.ring.Write(data); over > 0 {
		if n := p.overruns.Add(1); n <= 3 || n%100 == 0 {
			p.logger.Debug("playback buffer overrun, dropped oldest audio", "bytes", over, "overruns", n)
		}
	}
	return nil
}

func (p *malgoPlayback) Active() bool {
	return p.active.Load() && p.device.IsStarted()
}

func (p *malgoPlayback) Close() error {
	p.closeOnce.Do(func() {
		p.active.Store(false)
		p.device.Uninit()
		p.ring.Reset()
	})
	return nil
}

type malgoCapture struct {
	device    *malgo.Device
	closeOnce sync.Once
}

func (c *malgoCapture) Close() error {
	c.closeOnce.Do(c.device.Uninit)
	return nil
}
