package audio

import (
	"sync"
	"time"
)

// fakeChunk is 64ms of 16 kHz mono PCM.
const fakeChunk = 1024 * 2

// FakeContext replays fixed PCM instead of a microphone. Without realtime
// the whole clip is queued during Start; either way silence follows at
// device pace until Stop.
type FakeContext struct {
	pcm      []byte
	realtime bool

	// DeviceList is returned by Devices.
	DeviceList []DeviceInfo
	// StartErr makes every capture fail to start.
	StartErr error
}

// NewFakeContextPCM replays raw 16-bit mono PCM.
func NewFakeContextPCM(pcm []byte, realtime bool) *FakeContext {
	return &FakeContext{pcm: pcm, realtime: realtime}
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) { return f.DeviceList, nil }
func (f *FakeContext) Close()                         {}

func (f *FakeContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	name := "fake"
	if device != nil {
		name = device.Name
	}
	rate := config.SampleRate
	if rate == 0 {
		rate = 16000
	}
	return &FakeCapture{
		ctx:      f,
		name:     name,
		interval: time.Duration(fakeChunk/2) * time.Second / time.Duration(rate),
	}, nil
}

type FakeCapture struct {
	ctx      *FakeContext
	name     string
	interval time.Duration

	mu   sync.Mutex
	out  *Stream
	stop chan struct{}
	done chan struct{}
}

func (f *FakeCapture) DeviceName() string { return f.name }

func (f *FakeCapture) Start() (*Stream, error) {
	if err := f.ctx.StartErr; err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	chunks := splitChunks(f.ctx.pcm)
	out := newStream(len(chunks) + streamBuffer)
	if !f.ctx.realtime {
		for _, c := range chunks {
			out.push(c)
		}
		chunks = nil
	}

	f.out = out
	f.stop = make(chan struct{})
	f.done = make(chan struct{})
	go f.feed(out, chunks, f.stop, f.done)
	return out, nil
}

// feed paces the remaining chunks, then silence, until stop is closed.
func (f *FakeCapture) feed(out *Stream, chunks [][]byte, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if len(chunks) > 0 {
			out.push(chunks[0])
			chunks = chunks[1:]
			continue
		}
		out.push(make([]byte, fakeChunk))
	}
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stop == nil {
		return
	}
	close(f.stop)
	<-f.done
	f.out.end()
	f.stop = nil
}

func splitChunks(pcm []byte) [][]byte {
	var chunks [][]byte
	for len(pcm) > 0 {
		n := min(fakeChunk, len(pcm))
		c := make([]byte, n)
		copy(c, pcm[:n])
		chunks = append(chunks, c)
		pcm = pcm[n:]
	}
	return chunks
}
