//go:build linux

package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

// PulseAudio sources come up quiet without the per-stream volume boost.
const (
	defaultGain  = 8
	sourceVolume = 3
)

type pulseContext struct {
	client *pulse.Client
}

func NewContext() (Context, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("nexus"))
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	return &pulseContext{client: c}, nil
}

func (p *pulseContext) Devices() ([]DeviceInfo, error) {
	sources, err := p.client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("pulse list sources: %w", err)
	}
	devices := make([]DeviceInfo, 0, len(sources))
	for _, s := range sources {
		devices = append(devices, DeviceInfo{ID: s.ID(), Name: s.Name()})
	}
	return devices, nil
}

func (p *pulseContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	gain := int32(config.Gain)
	if gain <= 0 {
		gain = defaultGain
	}
	return &pulseCapture{
		client: p.client,
		device: device,
		rate:   int(config.SampleRate),
		gain:   gain,
	}, nil
}

func (p *pulseContext) Close() {
	p.client.Close()
}

type pulseCapture struct {
	client *pulse.Client
	device *DeviceInfo
	rate   int
	gain   int32

	mu     sync.Mutex
	stream *pulse.RecordStream
	out    *Stream
}

func (c *pulseCapture) Start() (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out != nil {
		return nil, errors.New("pulse capture already started")
	}

	opts := []pulse.RecordOption{
		pulse.RecordMono,
		pulse.RecordSampleRate(c.rate),
		pulse.RecordLatency(0.05),
		pulse.RecordRawOption(func(r *proto.CreateRecordStream) {
			r.ChannelVolumes = proto.ChannelVolumes{uint32(proto.VolumeNorm) * sourceVolume}
		}),
	}
	if c.device != nil {
		source, err := c.client.SourceByID(c.device.ID)
		if err != nil {
			return nil, fmt.Errorf("pulse source %q: %w", c.device.Name, err)
		}
		opts = append(opts, pulse.RecordSource(source))
	}

	out := newStream(streamBuffer)
	w := pulse.Int16Writer(func(buf []int16) (int, error) {
		out.push(amplify(buf, c.gain))
		return len(buf), nil
	})
	stream, err := c.client.NewRecord(w, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulse record on %s: %w", c.DeviceName(), err)
	}
	stream.Start()

	c.stream, c.out = stream, out
	return out, nil
}

func (c *pulseCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return
	}
	c.stream.Stop()
	c.stream.Close()
	c.stream = nil
	c.out.end()
}

func (c *pulseCapture) DeviceName() string { return deviceName(c.device) }
