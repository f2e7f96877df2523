package audiocore

import (
	"context"
	"fmt"
	"time"
)

// SourceKind identifies which physical or virtual input a source records
type SourceKind int

const (
	// KindMicrophone is the primary input; its failure ends the session
	KindMicrophone SourceKind = iota
	// KindSystemLoopback is the optional system output capture
	KindSystemLoopback
)

// String returns the short name used in file names, logs and metric labels
func (k SourceKind) String() string {
	switch k {
	case KindMicrophone:
		return "mic"
	case KindSystemLoopback:
		return "system"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// AudioFormat represents the PCM format of captured audio
type AudioFormat struct {
	SampleRate int // Hz
	Channels   int
	BitDepth   int // always 16 for capture
}

// DefaultFormat is 16-bit mono at 44.1 kHz
var DefaultFormat = AudioFormat{SampleRate: 44100, Channels: 1, BitDepth: 16}

// BytesPerFrame returns the size of one interleaved frame
func (f AudioFormat) BytesPerFrame() int {
	return f.Channels * f.BitDepth / 8
}

// FramesToDuration converts a frame count into wall time
func (f AudioFormat) FramesToDuration(frames int64) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Validate checks that the format can be captured and encoded
func (f AudioFormat) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("invalid channel count %d", f.Channels)
	}
	if f.BitDepth != 16 {
		return fmt.Errorf("unsupported bit depth %d", f.BitDepth)
	}
	return nil
}

// Availability is the result of probing the optional system source
type Availability int

const (
	// Unavailable means the platform or hardware cannot provide loopback audio
	Unavailable Availability = iota
	// Available means a loopback source can be started
	Available
	// Denied means the user or OS refused capture permission
	Denied
)

func (a Availability) String() string {
	switch a {
	case Available:
		return "available"
	case Denied:
		return "denied"
	default:
		return "unavailable"
	}
}

// Prober answers whether the system loopback source can be used.
// Probe may block (device enumeration, permission prompts) and should honor ctx.
type Prober interface {
	Probe(ctx context.Context) Availability
}

// ProberFunc adapts a function to the Prober interface
type ProberFunc func(ctx context.Context) Availability

// Probe calls f(ctx)
func (f ProberFunc) Probe(ctx context.Context) Availability {
	return f(ctx)
}

// DeviceCallbacks are invoked on the backend's audio thread.
// Data receives interleaved little-endian int16 PCM and must not block.
// Stopped reports that the device stopped without being asked to.
type DeviceCallbacks struct {
	Data    func(pcm []byte, frames uint32)
	Stopped func(err error)
}

// Device is one opened capture endpoint
type Device interface {
	Name() string
	// Format returns the negotiated format, which may differ from the request
	Format() AudioFormat
	Start() error
	Stop() error
	// Close releases the device; it is safe to call after Stop or on its own
	Close() error
}

// DeviceOpener opens a capture device of one kind without starting it
type DeviceOpener interface {
	Open(ctx context.Context, format AudioFormat, callbacks DeviceCallbacks) (Device, error)
}

// DeviceOpenerFunc adapts a function to the DeviceOpener interface
type DeviceOpenerFunc func(ctx context.Context, format AudioFormat, callbacks DeviceCallbacks) (Device, error)

// Open calls f
func (f DeviceOpenerFunc) Open(ctx context.Context, format AudioFormat, callbacks DeviceCallbacks) (Device, error) {
	return f(ctx, format, callbacks)
}

// CaptureResult describes a finalized per-source file
type CaptureResult struct {
	Kind     SourceKind
	Path     string
	Duration time.Duration
}

// MergeOutput is the single artifact produced by a completed session
type MergeOutput struct {
	Path                string
	Duration            time.Duration
	IncludesSystemAudio bool
}

// SourceEvent is posted by a running source to its owner
type SourceEvent struct {
	Kind SourceKind
	Err  error // non-nil when the source stopped on its own
}
