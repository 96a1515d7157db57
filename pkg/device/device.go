// Package device owns the local audio hardware: it enumerates endpoints,
// negotiates playback formats with fallback, and hands captured microphone
// buffers to the rest of the process through a bounded queue.
package device

import "github.com/silviot/voicecall/pkg/audio"

// DefaultDevice selects the system default endpoint in a StreamConfig.
const DefaultDevice = -1

// Info describes one hardware endpoint.
type Info struct {
	Index             int
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate int
	IsDefault         bool
}

// StreamConfig is the shape requested from the backend when opening a stream.
type StreamConfig struct {
	DeviceIndex int // DefaultDevice for the system default
	SampleRate  int
	Channels    int
	BlockSize   int // Frames per hardware callback
	Format      audio.SampleFormat
}

// PlaybackStream is an open output stream.
type PlaybackStream interface {
	// Write queues encoded PCM for playback.
	Write(data []byte) error
	// Active reports whether the stream is still running. A stream stopped by
	// the OS (device unplugged, server restart) reports false.
	Active() bool
	Close() error
}

// CaptureStream is an open input stream.
type CaptureStream interface {
	Close() error
}

// Backend is the hardware collaborator.
type Backend interface {
	Devices() ([]Info, error)
	OpenPlayback(cfg StreamConfig) (PlaybackStream, error)
	// OpenCapture starts a callback-driven capture stream. onData runs on the
	// audio thread; the slice is only valid for the duration of the call.
	OpenCapture(cfg StreamConfig, onData func(data []byte)) (CaptureStream, error)
}
