package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Resampler converts interleaved audio from one sample rate to another.
// It is stateful: the interpolation phase and the last input frame carry
// over between calls, so a stream cut into blocks of any size yields the
// same samples as one long block. It is not safe for concurrent use.
type Resampler struct {
	inputRate  int
	outputRate int
	channels   int
	ratio      float64
	logger     *slog.Logger

	// Position of the next output frame in units of 1/outputRate input
	// frames, relative to the first frame of the next block. Negative values
	// fall between prev and that frame.
	phase int64
	prev  []float32
}

// NewResampler creates a new resampler for interleaved frames with the given
// channel count
func NewResampler(inputRate, outputRate, channels int, logger *slog.Logger) (*Resampler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: input=%d, output=%d", inputRate, outputRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count: %d", channels)
	}

	if inputRate == outputRate {
		logger.Debug("input and output sample rates are equal, no resampling needed",
			"sample_rate", inputRate)
	}

	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		channels:   channels,
		ratio:      float64(outputRate) / float64(inputRate),
		logger:     logger,
	}, nil
}

// InputRate returns the rate the resampler expects
func (r *Resampler) InputRate() int { return r.inputRate }

// OutputRate returns the rate the resampler produces
func (r *Resampler) OutputRate() int { return r.outputRate }

// Resample performs linear interpolation per channel. An output frame that
// falls after the last input frame is produced by the next call.
func (r *Resampler) Resample(input []float32) ([]float32, error) {
	if len(input) == 0 {
		return []float32{}, nil
	}
	if len(input)%r.channels != 0 {
		return nil, fmt.Errorf("%w: %d samples for %d channels", ErrMisaligned, len(input), r.channels)
	}

	if r.inputRate == r.outputRate {
		out := make([]float32, len(input))
		copy(out, input)
		return out, nil
	}

	in, out := int64(r.inputRate), int64(r.outputRate)
	inFrames := len(input) / r.channels
	last := int64(inFrames-1) * out

	var outFrames int64
	if r.phase <= last {
		outFrames = (last-r.phase)/in + 1
	}

	frame := func(idx int) []float32 {
		if idx < 0 {
			return r.prev
		}
		return input[idx*r.channels : (idx+1)*r.channels]
	}

	output := make([]float32, int(outFrames)*r.channels)
	for i := range int(outFrames) {
		p := r.phase + int64(i)*in
		idx := -1
		if p >= 0 {
			idx = int(p / out)
		}
		rem := p - int64(idx)*out

		dst := output[i*r.channels : (i+1)*r.channels]
		a := frame(idx)
		if rem == 0 {
			copy(dst, a)
			continue
		}
		b := frame(idx + 1)
		frac := float32(rem) / float32(out)
		for ch := range r.channels {
			dst[ch] = a[ch] + (b[ch]-a[ch])*frac
		}
	}

	r.phase += outFrames*in - int64(inFrames)*out
	r.prev = append(r.prev[:0], input[(inFrames-1)*r.channels:]...)
	return output, nil
}

// ResampleFrame resamples f to the resampler's output rate. The timestamp is
// rescaled to the new clock.
func (r *Resampler) ResampleFrame(f Frame) (Frame, error) {
	if f.SampleRate != r.inputRate || f.Channels != r.channels {
		return Frame{}, fmt.Errorf("resampler configured for %dHz/%dch, got %dHz/%dch",
			r.inputRate, r.channels, f.SampleRate, f.Channels)
	}

	out, err := r.Resample(f.Samples)
	if err != nil {
		return Frame{}, err
	}

	return Frame{
		Samples:    out,
		SampleRate: r.outputRate,
		Channels:   r.channels,
		Timestamp:  int64(float64(f.Timestamp) * r.ratio),
	}, nil
}

// ChunkBuffer buffers interleaved samples into fixed-size chunks
type ChunkBuffer struct {
	chunkSize int       // Interleaved samples per chunk
	buffer    []float32 // Accumulated samples
	logger    *slog.Logger
	mu        sync.Mutex
}

// NewChunkBuffer creates a new chunk buffer producing chunkDurationMs of audio
// per chunk at sampleRate with the given channel count
func NewChunkBuffer(sampleRate, channels, chunkDurationMs int, logger *slog.Logger) *ChunkBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	if channels <= 0 {
		channels = 1
	}

	// chunkDurationMs=20, sampleRate=48000, channels=1 → 960 samples
	chunkSize := (sampleRate * chunkDurationMs / 1000) * channels

	return &ChunkBuffer{
		chunkSize: chunkSize,
		buffer:    make([]float32, 0, chunkSize*2),
		logger:    logger,
	}
}

// ChunkSize returns the number of interleaved samples per chunk
func (cb *ChunkBuffer) ChunkSize() int {
	return cb.chunkSize
}

// Add adds samples to the buffer and returns complete chunks
func (cb *ChunkBuffer) Add(samples []float32) [][]float32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.buffer = append(cb.buffer, samples...)

	var chunks [][]float32
	for len(cb.buffer) >= cb.chunkSize {
		chunk := make([]float32, cb.chunkSize)
		copy(chunk, cb.buffer[:cb.chunkSize])
		chunks = append(chunks, chunk)
		cb.buffer = cb.buffer[cb.chunkSize:]
	}

	return chunks
}

// Buffered returns the number of samples waiting for a complete chunk
func (cb *ChunkBuffer) Buffered() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.buffer)
}

// Flush returns remaining samples as a partial chunk
func (cb *ChunkBuffer) Flush() []float32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if len(cb.buffer) == 0 {
		return []float32{}
	}

	chunk := make([]float32, len(cb.buffer))
	copy(chunk, cb.buffer)
	cb.buffer = cb.buffer[:0]

	return chunk
}

// Reset clears the buffer
func (cb *ChunkBuffer) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.buffer = cb.buffer[:0]
}
