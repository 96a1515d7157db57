package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// SampleFormat identifies the on-wire encoding of PCM samples.
type SampleFormat int

const (
	// FormatS16 is signed 16-bit little-endian PCM.
	FormatS16 SampleFormat = iota + 1
	// FormatF32 is 32-bit IEEE float little-endian PCM.
	FormatF32
)

// BytesPerSample returns the encoded size of a single sample.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case FormatS16:
		return 2
	case FormatF32:
		return 4
	}
	return 0
}

func (f SampleFormat) String() string {
	switch f {
	case FormatS16:
		return "s16"
	case FormatF32:
		return "f32"
	}
	return fmt.Sprintf("SampleFormat(%d)", int(f))
}

// ParseSampleFormat maps a config string ("s16", "f32") to a SampleFormat.
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch s {
	case "s16", "int16":
		return FormatS16, nil
	case "f32", "float32":
		return FormatF32, nil
	}
	return 0, fmt.Errorf("unknown sample format %q", s)
}

// ErrMisaligned is returned when encoded PCM does not contain a whole number
// of interleaved sample frames.
var ErrMisaligned = errors.New("audio: pcm data not aligned to sample frames")

// Frame is a buffer of interleaved float32 samples in [-1.0, 1.0].
type Frame struct {
	Samples    []float32 // Interleaved samples: L0, R0, L1, R1, ...
	SampleRate int       // Sample rate in Hz
	Channels   int       // Number of channels (1 = mono, 2 = stereo)
	Timestamp  int64     // Position of the first sample, in samples per channel at SampleRate
}

// SamplesPerChannel returns the number of sample frames in f.
func (f Frame) SamplesPerChannel() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the playback duration of f.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.SamplesPerChannel()) * time.Second / time.Duration(f.SampleRate)
}

// Silence returns a zeroed frame of the given shape.
func Silence(sampleRate, channels, samplesPerChannel int, timestamp int64) Frame {
	return Frame{
		Samples:    make([]float32, samplesPerChannel*channels),
		SampleRate: sampleRate,
		Channels:   channels,
		Timestamp:  timestamp,
	}
}

// SamplesFor returns the per-channel sample count covering d at sampleRate.
func SamplesFor(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate) * int64(d) / int64(time.Second))
}

// Encode serialises f to little-endian PCM in the given format. Samples are
// clipped to [-1.0, 1.0] before encoding.
func Encode(f Frame, format SampleFormat) []byte {
	switch format {
	case FormatS16:
		out := make([]byte, len(f.Samples)*2)
		for i, s := range f.Samples {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
		}
		return out
	case FormatF32:
		out := make([]byte, len(f.Samples)*4)
		for i, s := range f.Samples {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(clamp(s)))
		}
		return out
	}
	return nil
}

// Decode parses little-endian PCM into a Frame.
func Decode(data []byte, format SampleFormat, sampleRate, channels int) (Frame, error) {
	bps := format.BytesPerSample()
	if bps == 0 {
		return Frame{}, fmt.Errorf("audio: unsupported sample format %v", format)
	}
	if channels <= 0 {
		return Frame{}, fmt.Errorf("audio: invalid channel count %d", channels)
	}
	if len(data)%(bps*channels) != 0 {
		return Frame{}, fmt.Errorf("%w: %d bytes, %d channels of %v", ErrMisaligned, len(data), channels, format)
	}

	n := len(data) / bps
	samples := make([]float32, n)
	switch format {
	case FormatS16:
		for i := range n {
			samples[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768.0
		}
	case FormatF32:
		for i := range n {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	}

	return Frame{Samples: samples, SampleRate: sampleRate, Channels: channels}, nil
}

// ConvertChannels returns f with the requested channel count. Mono input is
// replicated to every output channel, multi-channel input is averaged down to
// mono, and other reductions keep the leading channels.
func ConvertChannels(f Frame, channels int) Frame {
	if channels <= 0 || f.Channels == channels || f.Channels <= 0 {
		return f
	}

	n := f.SamplesPerChannel()
	out := make([]float32, n*channels)

	switch {
	case f.Channels == 1:
		for i := range n {
			s := f.Samples[i]
			for ch := range channels {
				out[i*channels+ch] = s
			}
		}
	case channels == 1:
		// Downmix by averaging channels
		for i := range n {
			var sum float32
			for ch := range f.Channels {
				sum += f.Samples[i*f.Channels+ch]
			}
			out[i] = sum / float32(f.Channels)
		}
	case channels < f.Channels:
		for i := range n {
			copy(out[i*channels:(i+1)*channels], f.Samples[i*f.Channels:i*f.Channels+channels])
		}
	default:
		// Upmix by repeating the last source channel into the extra slots
		for i := range n {
			src := f.Samples[i*f.Channels : (i+1)*f.Channels]
			for ch := range channels {
				out[i*channels+ch] = src[min(ch, f.Channels-1)]
			}
		}
	}

	return Frame{Samples: out, SampleRate: f.SampleRate, Channels: channels, Timestamp: f.Timestamp}
}

func floatToInt16(s float32) int16 {
	s = clamp(s)
	return int16(math.Round(float64(s) * 32767.0))
}

// clamp bounds s to [-1, 1]. NaN maps to silence.
func clamp(s float32) float32 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	if s > 1.0 {
		return 1.0
	}
	if s < -1.0 {
		return -1.0
	}
	return s
}
