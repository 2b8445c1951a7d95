package recorder

import "time"

const (
	tickInterval     = 100 * time.Millisecond
	speechMinRatio   = 0.10
	speechClearRatio = 0.25 // clearing needs more speech than warning, so noise does not flap
)

type silenceEvent int

const (
	silenceNone silenceEvent = iota
	silenceWarn
	silenceWarnClear
	silenceRepeat
	silenceAutoStop
)

// speechRing remembers which of the last len(ticks) ticks had speech.
type speechRing struct {
	ticks []bool
	n     int // ticks pushed so far
	count int // speech ticks currently held
}

func (r *speechRing) push(speech bool) {
	i := r.n % len(r.ticks)
	if r.full() && r.ticks[i] {
		r.count--
	}
	r.ticks[i] = speech
	if speech {
		r.count++
	}
	r.n++
}

func (r *speechRing) full() bool { return r.n >= len(r.ticks) }

// share is the speech fraction of the whole ring.
func (r *speechRing) share() float64 { return float64(r.count) / float64(len(r.ticks)) }

// recent is the speech fraction of the last k ticks, 1 before the first.
func (r *speechRing) recent(k int) float64 {
	k = min(k, r.n)
	if k == 0 {
		return 1
	}
	c := 0
	for i := 1; i <= k; i++ {
		if r.ticks[(r.n-i)%len(r.ticks)] {
			c++
		}
	}
	return float64(c) / float64(k)
}

// silenceMonitor warns after warnEvery of near-silence, repeats the warning
// while it lasts, and asks for a stop once the whole autoStop window is
// near-silent.
type silenceMonitor struct {
	warnAt   int
	ring     speechRing
	warned   bool
	lastWarn int
}

func newSilenceMonitor(warnEvery, autoStop time.Duration) *silenceMonitor {
	warnAt := max(int(warnEvery/tickInterval), 1)
	window := max(int(autoStop/tickInterval), warnAt)
	return &silenceMonitor{
		warnAt: warnAt,
		ring:   speechRing{ticks: make([]bool, window)},
	}
}

func (m *silenceMonitor) Tick(speech bool) silenceEvent {
	m.ring.push(speech)
	ticks := m.ring.n
	recent := m.ring.recent(m.warnAt)

	switch {
	case !m.warned && ticks >= m.warnAt && recent < speechMinRatio:
		m.warned, m.lastWarn = true, ticks
		return silenceWarn
	case m.warned && recent >= speechClearRatio:
		m.warned = false
		return silenceWarnClear
	// a long silence ends the recording rather than warning again
	case m.ring.full() && m.ring.share() < speechMinRatio:
		return silenceAutoStop
	case m.warned && ticks-m.lastWarn >= m.warnAt:
		m.lastWarn = ticks
		return silenceRepeat
	}
	return silenceNone
}
