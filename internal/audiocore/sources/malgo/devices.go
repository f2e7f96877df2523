// Package malgo opens microphone and system loopback capture devices through
// miniaudio and probes whether loopback capture is possible on this machine.
package malgo

import (
	"encoding/hex"
	"runtime"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/duorec/duorec/internal/audiocore"
	"github.com/duorec/duorec/internal/errors"
)

const componentMalgo = "malgo"

// DeviceInfo describes one capture endpoint
type DeviceInfo struct {
	Index     int
	Name      string
	ID        string
	IsDefault bool
	// Monitor is set for PulseAudio/PipeWire sink monitors, which carry system output
	Monitor bool
}

var backendNames = map[string]malgo.Backend{
	"alsa":       malgo.BackendAlsa,
	"pulseaudio": malgo.BackendPulseaudio,
	"pulse":      malgo.BackendPulseaudio,
	"jack":       malgo.BackendJack,
	"wasapi":     malgo.BackendWasapi,
	"coreaudio":  malgo.BackendCoreaudio,
	"null":       malgo.BackendNull,
}

// Backends resolves a configured backend name. An empty name selects the
// platform default for the given source kind: loopback on Linux needs
// PulseAudio because ALSA exposes no sink monitors.
func Backends(name string, kind audiocore.SourceKind) ([]malgo.Backend, error) {
	if name != "" {
		b, ok := backendNames[strings.ToLower(name)]
		if !ok {
			return nil, errors.Newf("unknown audio backend %q", name).
				Component(componentMalgo).
				Category(errors.CategoryConfiguration).
				Context("backend", name).
				Build()
		}
		return []malgo.Backend{b}, nil
	}

	switch runtime.GOOS {
	case "linux":
		if kind == audiocore.KindSystemLoopback {
			return []malgo.Backend{malgo.BackendPulseaudio}, nil
		}
		return []malgo.Backend{malgo.BackendAlsa}, nil
	case "windows":
		return []malgo.Backend{malgo.BackendWasapi}, nil
	case "darwin":
		return []malgo.Backend{malgo.BackendCoreaudio}, nil
	default:
		return nil, errors.New(audiocore.ErrSourceUnavailable).
			Component(componentMalgo).
			Category(errors.CategoryCapture).
			Context("os", runtime.GOOS).
			Build()
	}
}

// EnumerateDevices lists the capture devices the backend would use for kind
func EnumerateDevices(backend string, kind audiocore.SourceKind) ([]DeviceInfo, error) {
	backends, err := Backends(backend, kind)
	if err != nil {
		return nil, err
	}

	ctx, err := initContext(backends, nil)
	if err != nil {
		return nil, err
	}
	defer releaseContext(ctx)

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, wrapBackendError(err, "enumerate_devices")
	}
	return describe(infos), nil
}

// describe converts backend device records, skipping the null device
func describe(infos []malgo.DeviceInfo) []DeviceInfo {
	devices := make([]DeviceInfo, 0, len(infos))
	for i := range infos {
		name := infos[i].Name()
		if strings.Contains(name, "Discard all samples") {
			continue
		}

		id, err := hexToASCII(infos[i].ID.String())
		if err != nil {
			id = infos[i].ID.String()
		}

		devices = append(devices, DeviceInfo{
			Index:     i,
			Name:      name,
			ID:        id,
			IsDefault: infos[i].IsDefault == 1,
			Monitor:   isMonitor(name, id),
		})
	}
	return devices
}

// selectDevice picks the device matching want among devices whose Monitor
// flag equals monitors. Empty, "default" and "sysdefault" pick the default
// device, or the first candidate when none is flagged default.
func selectDevice(devices []DeviceInfo, want string, monitors bool) (DeviceInfo, error) {
	candidates := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		if d.Monitor == monitors {
			candidates = append(candidates, d)
		}
	}

	if want == "" || want == "default" || want == "sysdefault" {
		for _, d := range candidates {
			if d.IsDefault {
				return d, nil
			}
		}
		if len(candidates) > 0 {
			return candidates[0], nil
		}
		return DeviceInfo{}, deviceNotFound(want, len(devices))
	}

	for _, d := range candidates {
		if d.Name == want {
			return d, nil
		}
	}
	for _, d := range candidates {
		if d.ID == want {
			return d, nil
		}
	}
	for _, d := range candidates {
		if strings.Contains(d.Name, want) {
			return d, nil
		}
	}
	return DeviceInfo{}, deviceNotFound(want, len(devices))
}

func deviceNotFound(want string, available int) error {
	return errors.New(audiocore.ErrDeviceNotFound).
		Component(componentMalgo).
		Category(errors.CategoryNotFound).
		Context("device_name", want).
		Context("available_devices", available).
		Build()
}

// isMonitor recognizes PulseAudio sink monitors by name or ID
func isMonitor(name, id string) bool {
	return strings.HasPrefix(name, "Monitor of ") || strings.HasSuffix(id, ".monitor")
}

// hexToASCII converts a hexadecimal string to an ASCII string
func hexToASCII(hexStr string) (string, error) {
	bytes, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(bytes), "\x00"), nil
}

func initContext(backends []malgo.Backend, logProc malgo.LogProc) (*malgo.AllocatedContext, error) {
	ctx, err := malgo.InitContext(backends, malgo.ContextConfig{}, logProc)
	if err != nil {
		return nil, wrapBackendError(err, "init_context")
	}
	return ctx, nil
}

func releaseContext(ctx *malgo.AllocatedContext) {
	_ = ctx.Uninit()
	ctx.Free()
}

// classify maps miniaudio results onto the audiocore sentinels
func classify(err error) error {
	switch {
	case errors.Is(err, malgo.ErrAccessDenied):
		return audiocore.ErrPermissionDenied
	case errors.Is(err, malgo.ErrNoDevice),
		errors.Is(err, malgo.ErrDoesNotExist),
		errors.Is(err, malgo.ErrDeviceTypeNotSupported),
		errors.Is(err, malgo.ErrNoBackend),
		errors.Is(err, malgo.ErrNotImplemented):
		return audiocore.ErrSourceUnavailable
	default:
		return nil
	}
}

func wrapBackendError(err error, operation string) error {
	category := errors.CategoryCapture
	sentinel := classify(err)
	if sentinel != nil {
		if sentinel == audiocore.ErrPermissionDenied {
			category = errors.CategoryPermission
		}
		err = errors.Join(sentinel, err)
	}
	return errors.New(err).
		Component(componentMalgo).
		Category(category).
		Context("operation", operation).
		Context("os", runtime.GOOS).
		Build()
}
