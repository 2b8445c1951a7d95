//go:build linux

package beep

import (
	"sync"

	"github.com/jfreymuth/pulse"
)

// The client is opened on the first cue and kept until a playback fails.
var (
	playMu sync.Mutex
	client *pulse.Client
)

func play(samples []int16) {
	playMu.Lock()
	defer playMu.Unlock()

	if client == nil {
		c, err := pulse.NewClient(pulse.ClientApplicationName("nexus"))
		if err != nil {
			return
		}
		client = c
	}
	if err := playOn(client, samples); err != nil {
		client.Close()
		client = nil
	}
}

func playOn(c *pulse.Client, samples []int16) error {
	src := &cursor{rest: samples}
	stream, err := c.NewPlayback(pulse.Int16Reader(src.read),
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(sampleRate),
		pulse.PlaybackLatency(0.1),
	)
	if err != nil {
		return err
	}
	defer stream.Close()
	stream.Start()
	stream.Drain()
	stream.Stop()
	return stream.Error()
}

type cursor struct{ rest []int16 }

func (c *cursor) read(buf []int16) (int, error) {
	if len(c.rest) == 0 {
		return 0, pulse.EndOfData
	}
	n := copy(buf, c.rest)
	c.rest = c.rest[n:]
	return n, nil
}
