// Package track bridges the audio device layer and WebRTC media tracks.
//
// MicrophoneSource turns captured buffers into fixed-size session frames and
// Pump encodes them onto a local track. RemoteSink reads RTP from a remote
// track, decodes it and plays it through the device layer.
package track

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/hraban/opus.v2"
)

// ErrStopped is returned by adapters after Stop.
var ErrStopped = errors.New("track: stopped")

const (
	// OpusClockRate is the RTP clock rate of every Opus stream.
	OpusClockRate = 48000

	// maxOpusPacket bounds a single encoded Opus frame.
	maxOpusPacket = 4000

	// maxFrameSamples is 120ms at 48kHz, the longest Opus frame.
	maxFrameSamples = 5760
)

// Encoder compresses interleaved float PCM into one packet.
type Encoder interface {
	Encode(pcm []float32, out []byte) (int, error)
}

// Decoder expands one packet into interleaved float PCM and returns the
// number of samples per channel.
type Decoder interface {
	Decode(payload []byte, pcm []float32) (int, error)
}

type opusEncoder struct{ enc *opus.Encoder }

// NewOpusEncoder creates a VoIP-tuned Opus encoder.
func NewOpusEncoder(sampleRate, channels int) (Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

func (e *opusEncoder) Encode(pcm []float32, out []byte) (int, error) {
	return e.enc.EncodeFloat32(pcm, out)
}

type opusDecoder struct{ dec *opus.Decoder }

// NewOpusDecoder creates an Opus decoder.
func NewOpusDecoder(sampleRate, channels int) (Decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

func (d *opusDecoder) Decode(payload []byte, pcm []float32) (int, error) {
	return d.dec.DecodeFloat32(payload, pcm)
}

// NewOpusTrack creates the outbound audio track. SDP always declares Opus as
// two channels at 48kHz regardless of what is encoded.
func NewOpusTrack(streamID string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: OpusClockRate, Channels: 2},
		"audio",
		streamID,
	)
}

// validFrameDuration reports whether d is a whole-millisecond Opus frame size.
func validFrameDuration(d time.Duration) bool {
	switch d {
	case 5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond,
		40 * time.Millisecond, 60 * time.Millisecond:
		return true
	}
	return false
}
