package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/silviot/voicecall/pkg/audio"
)

var (
	// ErrNoSupportedFormat is returned when every playback format candidate
	// was rejected.
	ErrNoSupportedFormat = errors.New("device: no supported output format")

	// ErrNotOpen is returned by Write when no output stream is open.
	ErrNotOpen = errors.New("device: stream not open")

	// ErrNoInputDevice is returned when no capture endpoint is available.
	ErrNoInputDevice = errors.New("device: no input device")

	// ErrDeviceBusy is returned when a stream of the same direction is
	// already open.
	ErrDeviceBusy = errors.New("device: stream already open")

	// ErrUnsupportedConfig is returned when a requested configuration
	// exceeds what the selected device reports.
	ErrUnsupportedConfig = errors.New("device: unsupported stream configuration")
)

// FormatAttempt records one rejected playback format.
type FormatAttempt struct {
	SampleRate int
	Format     audio.SampleFormat
	Err        error
}

// FormatError is returned by OpenOutput after every candidate failed.
type FormatError struct {
	Channels int
	Attempts []FormatAttempt
}

func (e *FormatError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "device: no supported output format for %d channel(s):", e.Channels)
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, " [%dHz %v: %v]", a.SampleRate, a.Format, a.Err)
	}
	return b.String()
}

func (e *FormatError) Unwrap() []error {
	errs := []error{ErrNoSupportedFormat}
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}
