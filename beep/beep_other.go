//go:build !linux

package beep

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

var playMu sync.Mutex

func play(samples []int16) {
	playMu.Lock()
	defer playMu.Unlock()

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return
	}
	defer func() {
		mctx.Uninit()
		mctx.Free()
	}()

	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = sampleRate

	var mu sync.Mutex
	pos := 0
	done := make(chan struct{})
	var once sync.Once
	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			mu.Lock()
			n := copy(out, buf[pos:])
			pos += n
			finished := pos >= len(buf)
			mu.Unlock()
			clear(out[n:])
			if finished {
				once.Do(func() { close(done) })
			}
		},
	}
	device, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		return
	}
	defer device.Uninit()
	if err := device.Start(); err != nil {
		return
	}
	select {
	case <-done:
		// let the device drain its last period
		time.Sleep(50 * time.Millisecond)
	case <-time.After(2 * time.Second):
	}
	device.Stop()
}
