//go:build !linux

package audio

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

type malgoContext struct {
	ctx *malgo.AllocatedContext
}

func NewContext() (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: %w", err)
	}
	return &malgoContext{ctx: ctx}, nil
}

func (m *malgoContext) Devices() ([]DeviceInfo, error) {
	devices, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}
	result := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		result = append(result, DeviceInfo{ID: hex.EncodeToString(d.ID[:]), Name: d.Name()})
	}
	return result, nil
}

func (m *malgoContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	c := &malgoCapture{ctx: m.ctx, device: device, config: config}
	if device != nil {
		id, err := hex.DecodeString(device.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid device ID %q: %w", device.ID, err)
		}
		copy(c.devID[:], id)
	}
	return c, nil
}

func (m *malgoContext) Close() {
	m.ctx.Uninit()
	m.ctx.Free()
}

type malgoCapture struct {
	ctx    *malgo.AllocatedContext
	device *DeviceInfo
	devID  malgo.DeviceID
	config CaptureConfig

	mu  sync.Mutex
	dev *malgo.Device
	out *Stream
}

// Start initializes the device on first use; malgo reuses its input buffer
// so each chunk is copied before it is queued.
func (c *malgoCapture) Start() (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out != nil {
		return nil, errors.New("malgo capture already started")
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = c.config.Channels
	cfg.SampleRate = c.config.SampleRate
	if c.device != nil {
		cfg.Capture.DeviceID = c.devID.Pointer()
	}

	out := newStream(streamBuffer)
	dev, err := malgo.InitDevice(c.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			pcm := make([]byte, len(in))
			copy(pcm, in)
			out.push(pcm)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("malgo init %s: %w", c.DeviceName(), err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("malgo start %s: %w", c.DeviceName(), err)
	}

	c.dev, c.out = dev, out
	return out, nil
}

func (c *malgoCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return
	}
	c.dev.Stop()
	c.dev.Uninit()
	c.dev = nil
	c.out.end()
}

func (c *malgoCapture) DeviceName() string { return deviceName(c.device) }
