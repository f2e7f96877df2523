package malgo

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/duorec/duorec/internal/audiocore"
	"github.com/duorec/duorec/internal/errors"
)

// device adapts an initialized miniaudio device to audiocore.Device.
// It owns its context, which is released by Close.
type device struct {
	name   string
	format audiocore.AudioFormat

	ctx *malgo.AllocatedContext
	dev *malgo.Device

	onStopped func(error)
	stopping  atomic.Bool
	closeOnce sync.Once
}

func (d *device) Name() string                  { return d.name }
func (d *device) Format() audiocore.AudioFormat { return d.format }

func (d *device) Start() error {
	d.stopping.Store(false)
	if err := d.dev.Start(); err != nil {
		return wrapBackendError(err, "start_device")
	}
	return nil
}

func (d *device) Stop() error {
	d.stopping.Store(true)
	if !d.dev.IsStarted() {
		return nil
	}
	if err := d.dev.Stop(); err != nil {
		return wrapBackendError(err, "stop_device")
	}
	return nil
}

func (d *device) Close() error {
	d.closeOnce.Do(func() {
		d.stopping.Store(true)
		d.dev.Uninit()
		releaseContext(d.ctx)
	})
	return nil
}

// onStop runs on the audio thread for requested and unexpected stops alike.
// The device must not be stopped or uninitialized from here.
func (d *device) onStop() {
	if d.stopping.Load() || d.onStopped == nil {
		return
	}
	d.onStopped(errors.New(fmt.Errorf("capture device %q stopped unexpectedly", d.name)).
		Component(componentMalgo).
		Category(errors.CategoryCapture).
		Context("operation", "device_stopped").
		Build())
}
