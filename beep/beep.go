// Package beep plays short recording cues.
package beep

import (
	"math"
	"sync/atomic"
)

type Cue int

const (
	CueStart Cue = iota
	CueStop
	CueWarning
	CueError
)

func (c Cue) String() string {
	switch c {
	case CueStart:
		return "start"
	case CueStop:
		return "stop"
	case CueWarning:
		return "warning"
	case CueError:
		return "error"
	default:
		return "unknown"
	}
}

const sampleRate = 44100

type tone struct {
	freq     float64
	duration float64 // seconds per pulse
	volume   float64
	decay    float64
	repeat   int     // pulses
	gap      float64 // seconds between pulses
}

var tones = map[Cue]tone{
	CueStart:   {freq: 1200, duration: 0.12, volume: 0.5, decay: 60, repeat: 1},
	CueStop:    {freq: 900, duration: 0.15, volume: 0.5, decay: 40, repeat: 1},
	CueWarning: {freq: 660, duration: 0.06, volume: 0.4, decay: 50, repeat: 3, gap: 0.06},
	CueError:   {freq: 350, duration: 0.08, volume: 0.6, decay: 30, repeat: 2, gap: 0.05},
}

var disabled atomic.Bool

func Disable() { disabled.Store(true) }

func Enabled() bool { return !disabled.Load() }

// Play starts the cue in the background. Playback failures are silent.
func Play(c Cue) {
	if disabled.Load() {
		return
	}
	samples := cueSamples(c)
	if len(samples) == 0 {
		return
	}
	go play(samples)
}

// cueSamples renders c as mono signed 16-bit samples.
func cueSamples(c Cue) []int16 {
	t, ok := tones[c]
	if !ok {
		return nil
	}
	pulse := synth(t.freq, t.duration, t.volume, t.decay)
	gap := make([]int16, int(sampleRate*t.gap))
	out := make([]int16, 0, t.repeat*(len(pulse)+len(gap)))
	for i := 0; i < t.repeat; i++ {
		if i > 0 {
			out = append(out, gap...)
		}
		out = append(out, pulse...)
	}
	return out
}

func synth(freq, duration, volume, decay float64) []int16 {
	n := int(sampleRate * duration)
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / sampleRate
		envelope := math.Exp(-t * decay)
		samples[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
	}
	return samples
}
