package malgo

import (
	"context"
	"runtime"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/duorec/duorec/internal/audiocore"
	"github.com/duorec/duorec/internal/errors"
	"github.com/duorec/duorec/internal/logger"
)

// Opener opens capture devices of one kind. It implements audiocore.DeviceOpener.
type Opener struct {
	Kind audiocore.SourceKind
	// Backend is a backend name such as "alsa" or "pulseaudio"; empty picks the platform default
	Backend string
	// Device selects a device by name, decoded ID or name fragment
	Device string
	// BufferFrames is the period size; zero lets miniaudio choose
	BufferFrames int
	Logger       logger.Logger
}

// NewMicrophoneOpener returns an opener for the microphone
func NewMicrophoneOpener(backend, device string, bufferFrames int, log logger.Logger) *Opener {
	return &Opener{Kind: audiocore.KindMicrophone, Backend: backend, Device: device, BufferFrames: bufferFrames, Logger: log}
}

// NewLoopbackOpener returns an opener for system output capture
func NewLoopbackOpener(backend, device string, bufferFrames int, log logger.Logger) *Opener {
	return &Opener{Kind: audiocore.KindSystemLoopback, Backend: backend, Device: device, BufferFrames: bufferFrames, Logger: log}
}

func (o *Opener) log() logger.Logger {
	log := o.Logger
	if log == nil {
		log = logger.Global().Module("audio")
	}
	return log.Module(componentMalgo).With(logger.String("source", o.Kind.String()))
}

// Open initializes a device without starting it. The negotiated format is
// reported by the returned device's Format.
func (o *Opener) Open(ctx context.Context, format audiocore.AudioFormat, callbacks audiocore.DeviceCallbacks) (audiocore.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.Kind == audiocore.KindSystemLoopback && runtime.GOOS == "darwin" {
		return nil, audiocore.UnavailableError(o.Kind, audiocore.Unavailable)
	}

	log := o.log()
	backends, err := Backends(o.Backend, o.Kind)
	if err != nil {
		return nil, err
	}

	mctx, err := initContext(backends, func(message string) {
		log.Debug("miniaudio", logger.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return nil, err
	}

	config, name, err := o.deviceConfig(mctx, format)
	if err != nil {
		releaseContext(mctx)
		return nil, err
	}

	d := &device{name: name, ctx: mctx, onStopped: callbacks.Stopped}
	dev, err := malgo.InitDevice(mctx.Context, config, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frames uint32) {
			callbacks.Data(input, frames)
		},
		Stop: d.onStop,
	})
	if err != nil {
		releaseContext(mctx)
		log.Warn("capture device init failed", logger.String("device", name), logger.Error(err))
		return nil, wrapBackendError(err, "init_device")
	}
	d.dev = dev

	if got := dev.CaptureFormat(); got != malgo.FormatS16 {
		_ = d.Close()
		return nil, errors.Newf("capture device negotiated sample format %d, want signed 16-bit", got).
			Component(componentMalgo).
			Category(errors.CategoryCapture).
			Context("device_name", name).
			Build()
	}
	d.format = audiocore.AudioFormat{
		SampleRate: int(dev.SampleRate()),
		Channels:   int(dev.CaptureChannels()),
		BitDepth:   16,
	}

	log.Info("capture device opened",
		logger.String("device", name),
		logger.Int("sample_rate", d.format.SampleRate),
		logger.Int("channels", d.format.Channels))
	return d, nil
}

// deviceConfig selects the endpoint for the opener's kind. WASAPI captures
// the default render endpoint in loopback mode; elsewhere loopback means a
// sink monitor listed among the capture devices.
func (o *Opener) deviceConfig(mctx *malgo.AllocatedContext, format audiocore.AudioFormat) (malgo.DeviceConfig, string, error) {
	if o.Kind == audiocore.KindSystemLoopback && runtime.GOOS == "windows" {
		config := o.baseConfig(malgo.Loopback, format)
		return config, "default output (loopback)", nil
	}

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceConfig{}, "", wrapBackendError(err, "enumerate_devices")
	}

	monitors := o.Kind == audiocore.KindSystemLoopback
	selected, err := selectDevice(describe(infos), o.Device, monitors)
	if err != nil {
		if monitors {
			// no monitor source means no loopback on this machine
			err = errors.Join(audiocore.ErrSourceUnavailable, err)
		}
		return malgo.DeviceConfig{}, "", err
	}

	config := o.baseConfig(malgo.Capture, format)
	config.Capture.DeviceID = infos[selected.Index].ID.Pointer()
	return config, selected.Name, nil
}

func (o *Opener) baseConfig(deviceType malgo.DeviceType, format audiocore.AudioFormat) malgo.DeviceConfig {
	config := malgo.DefaultDeviceConfig(deviceType)
	config.Capture.Format = malgo.FormatS16
	config.Capture.Channels = uint32(format.Channels)
	config.SampleRate = uint32(format.SampleRate)
	config.Alsa.NoMMap = 1
	if o.BufferFrames > 0 {
		config.PeriodSizeInFrames = uint32(o.BufferFrames)
	}
	return config
}
