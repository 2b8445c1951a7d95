// Package audio captures 16-bit mono PCM from a microphone. A capture is a
// finite stream of chunks: it begins at Start and its channel closes once
// the device has stopped.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
)

// streamBuffer is how many chunks may queue before new ones are dropped.
const streamBuffer = 512

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]",
}

// IsBluetooth guesses from the device name. Bluetooth headsets switch to a
// low-quality codec while the microphone is open.
func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
	// Gain multiplies samples on backends without hardware gain control.
	// Zero means the backend default.
	Gain int
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

// CaptureDevice is single use: Start opens the microphone and Stop releases
// it and ends the stream.
type CaptureDevice interface {
	Start() (*Stream, error)
	Stop()
	DeviceName() string
}

// Stream carries the chunks of one capture. C is closed after the device
// stops, so ranging over it ends with the recording.
type Stream struct {
	C <-chan []byte

	ch      chan []byte
	mu      sync.Mutex
	closed  bool
	dropped int
}

func newStream(size int) *Stream {
	ch := make(chan []byte, size)
	return &Stream{C: ch, ch: ch}
}

// push queues pcm without blocking the audio thread and takes ownership of
// it. Chunks that do not fit are counted and dropped.
func (s *Stream) push(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- pcm:
	default:
		s.dropped++
	}
}

func (s *Stream) end() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

// Dropped is the number of chunks lost because the reader fell behind.
func (s *Stream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Drain reads s to its end and returns the concatenated PCM. each, if not
// nil, sees every chunk as it arrives.
func Drain(s *Stream, each func(chunk []byte)) []byte {
	var pcm []byte
	for chunk := range s.C {
		if each != nil {
			each(chunk)
		}
		pcm = append(pcm, chunk...)
	}
	return pcm
}

// FindDevice returns the device whose name or ID matches, or nil for the
// system default when name is empty.
func FindDevice(ctx Context, name string) (*DeviceInfo, error) {
	if name == "" {
		return nil, nil
	}
	devices, err := ctx.Devices()
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].Name == name || devices[i].ID == name {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("capture device %q not found", name)
}

func deviceName(d *DeviceInfo) string {
	if d != nil {
		return d.Name
	}
	return "system default"
}

// amplify applies a software gain with clipping and encodes little-endian.
func amplify(buf []int16, gain int32) []byte {
	out := make([]byte, len(buf)*2)
	for i, s := range buf {
		v := min(max(int32(s)*gain, math.MinInt16), math.MaxInt16)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
