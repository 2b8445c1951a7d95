// Package recorder turns microphone audio into text for the chat input. A
// recording is toggled on and off; on stop the clip is transcribed and the
// text handed to the Sink. Transcripts are never submitted automatically.
package recorder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"nexus/audio"
	"nexus/encoder"
	"nexus/gate"
	"nexus/log"
	"nexus/transcriber"
)

type Status int

const (
	StatusIdle Status = iota
	StatusRecording
	StatusTranscribing
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRecording:
		return "recording"
	case StatusTranscribing:
		return "transcribing"
	default:
		return "unknown"
	}
}

var (
	ErrBusy         = errors.New("a request is in progress")
	ErrTranscribing = errors.New("still transcribing the last recording")
	ErrNoSpeech     = errors.New("no speech detected")
	ErrClosed       = errors.New("recorder closed")
)

// Sink receives recorder events. Methods are called from recorder
// goroutines and must not block.
type Sink interface {
	StatusChanged(s Status)
	RecordingStart(device string)
	RecordingTick(duration float64)
	AudioLevel(level float64)
	NoVoiceWarning()
	VoiceCleared()
	SilenceAutoStop()
	Transcript(text string)
	CaptureError(err error)
	TranscriptionError(err error)
}

type Config struct {
	Device            *audio.DeviceInfo
	Format            string
	Language          string
	TranscribeTimeout time.Duration
	// MinClip is the shortest recording worth transcribing.
	MinClip         time.Duration
	SilenceWarn     time.Duration
	SilenceAutoStop time.Duration
	// SpeechLevel is the RMS above which a tick counts as speech.
	SpeechLevel float64
}

func (c Config) withDefaults() Config {
	if c.Format == "" {
		c.Format = encoder.FormatWAV
	}
	if c.TranscribeTimeout <= 0 {
		c.TranscribeTimeout = 60 * time.Second
	}
	if c.MinClip <= 0 {
		c.MinClip = 100 * time.Millisecond
	}
	if c.SilenceWarn <= 0 {
		c.SilenceWarn = 8 * time.Second
	}
	if c.SilenceAutoStop <= 0 {
		c.SilenceAutoStop = 30 * time.Second
	}
	if c.SpeechLevel <= 0 {
		c.SpeechLevel = 0.02
	}
	return c
}

type Recorder struct {
	actx      audio.Context
	tr        transcriber.Transcriber
	gate      *gate.Gate
	sink      Sink
	sessionID func() string
	cfg       Config

	mu     sync.Mutex
	status Status
	rec    *recording
	gen    int
	closed bool

	wg sync.WaitGroup
}

// recording is one capture session, from Start to Stop.
type recording struct {
	gen     int
	capture audio.CaptureDevice
	stream  *audio.Stream
	started time.Time

	clip      chan []byte
	speech    atomic.Bool
	level     atomic.Uint64
	done      chan struct{}
	monitorWG sync.WaitGroup
}

// New wires a recorder. sessionID is called once per clip so transcripts are
// tagged with the conversation that was live when recording stopped.
func New(actx audio.Context, tr transcriber.Transcriber, g *gate.Gate, sink Sink, sessionID func() string, cfg Config) *Recorder {
	return &Recorder{
		actx:      actx,
		tr:        tr,
		gate:      g,
		sink:      sink,
		sessionID: sessionID,
		cfg:       cfg.withDefaults(),
	}
}

func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Recorder) setStatusLocked(s Status) {
	r.status = s
	r.sink.StatusChanged(s)
}

// SetDevice changes the capture device for the next recording.
func (r *Recorder) SetDevice(d *audio.DeviceInfo) {
	r.mu.Lock()
	r.cfg.Device = d
	r.mu.Unlock()
}

// Toggle starts a recording when idle and stops it when recording. Stopping
// blocks until the clip is transcribed.
func (r *Recorder) Toggle(ctx context.Context) error {
	r.mu.Lock()
	status := r.status
	r.mu.Unlock()

	switch status {
	case StatusIdle:
		return r.Start()
	case StatusRecording:
		return r.Stop(ctx)
	default:
		return ErrTranscribing
	}
}

// Start opens the microphone. It is rejected while a chat request holds the
// gate.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	switch r.status {
	case StatusRecording:
		return nil
	case StatusTranscribing:
		return ErrTranscribing
	}
	if !r.gate.TryAcquire() {
		return ErrBusy
	}
	r.gate.Release()

	capture, err := r.actx.NewCapture(r.cfg.Device, audio.CaptureConfig{
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
	})
	if err != nil {
		err = fmt.Errorf("open microphone: %w", err)
		r.sink.CaptureError(err)
		log.Errorf("capture: %v", err)
		return err
	}

	stream, err := capture.Start()
	if err != nil {
		err = fmt.Errorf("start microphone: %w", err)
		r.sink.CaptureError(err)
		log.Errorf("capture: %v", err)
		return err
	}

	r.gen++
	rec := &recording{
		gen:     r.gen,
		capture: capture,
		stream:  stream,
		clip:    make(chan []byte, 1),
		done:    make(chan struct{}),
	}
	go rec.collect(r.cfg.SpeechLevel)

	rec.started = time.Now()
	r.rec = rec
	r.setStatusLocked(StatusRecording)
	r.sink.RecordingStart(capture.DeviceName())
	log.Recording("start", r.sessionID())

	rec.monitorWG.Add(1)
	go r.monitor(rec)
	return nil
}

// Stop ends the recording and transcribes the clip. It waits for any chat
// request holding the gate before uploading.
func (r *Recorder) Stop(ctx context.Context) error {
	return r.stop(ctx, 0)
}

// stop ends recording gen, or the current one when gen is 0.
func (r *Recorder) stop(ctx context.Context, gen int) error {
	r.mu.Lock()
	rec := r.rec
	if r.status != StatusRecording || rec == nil || (gen != 0 && rec.gen != gen) {
		r.mu.Unlock()
		return nil
	}
	r.rec = nil
	r.setStatusLocked(StatusTranscribing)
	r.mu.Unlock()

	clip, dur := rec.finish()
	sessionID := r.sessionID()
	log.Recording("stop", sessionID)

	err := r.transcribe(ctx, clip, dur, sessionID)

	r.mu.Lock()
	r.setStatusLocked(StatusIdle)
	r.mu.Unlock()
	return err
}

// Close discards any recording in progress and waits for background work.
func (r *Recorder) Close() {
	r.mu.Lock()
	r.closed = true
	rec := r.rec
	r.rec = nil
	if rec != nil {
		r.setStatusLocked(StatusIdle)
	}
	r.mu.Unlock()
	if rec != nil {
		rec.finish()
	}
	r.wg.Wait()
}

func (r *Recorder) transcribe(ctx context.Context, clip []byte, dur time.Duration, sessionID string) error {
	if dur < r.cfg.MinClip {
		log.Infof("clip too short (%dms), discarded", dur.Milliseconds())
		return nil
	}

	if err := r.gate.Acquire(ctx); err != nil {
		r.sink.TranscriptionError(err)
		return err
	}
	defer r.gate.Release()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.TranscribeTimeout)
	defer cancel()

	result, err := r.tr.Transcribe(ctx, clip, transcriber.Request{
		SessionID: sessionID,
		Format:    r.cfg.Format,
		Language:  r.cfg.Language,
	})
	if err != nil {
		r.fail(err)
		return err
	}
	log.TranscriptionMetrics(log.Transcription{
		Provider:     r.tr.Name(),
		Format:       result.Format,
		Audio:        result.AudioLength,
		RawBytes:     result.RawBytes,
		EncodedBytes: result.EncodedBytes,
		Encode:       result.EncodeTime,
		DNS:          result.Network.DNS,
		TLS:          result.Network.TLS,
		TTFB:         result.Network.TTFB,
		Total:        result.Network.Sum(),
		ConnReused:   result.Network.ConnReused,
	})

	if result.NoSpeech {
		log.Info("no_speech")
		r.sink.TranscriptionError(ErrNoSpeech)
		return ErrNoSpeech
	}
	log.TranscriptionText(result.Text)
	r.sink.Transcript(result.Text)
	return nil
}

func (r *Recorder) fail(err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("transcription timed out after %s: %w", r.cfg.TranscribeTimeout, err)
	}
	log.Errorf("transcription error: %v", err)
	r.sink.TranscriptionError(err)
}

// monitor reports level and elapsed time every tick and stops the recording
// after a long silence.
func (r *Recorder) monitor(rec *recording) {
	defer rec.monitorWG.Done()

	mon := newSilenceMonitor(r.cfg.SilenceWarn, r.cfg.SilenceAutoStop)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rec.done:
			return
		case <-ticker.C:
		}

		r.sink.RecordingTick(time.Since(rec.started).Seconds())
		r.sink.AudioLevel(math.Float64frombits(rec.level.Load()))

		switch mon.Tick(rec.speech.Swap(false)) {
		case silenceWarn, silenceRepeat:
			log.Info("no_voice_warning")
			r.sink.NoVoiceWarning()
		case silenceWarnClear:
			r.sink.VoiceCleared()
		case silenceAutoStop:
			log.Info("silence_auto_stop")
			r.sink.SilenceAutoStop()
			r.background(func() { r.stop(context.Background(), rec.gen) })
			return
		}
	}
}

// background runs fn on a goroutine Close waits for. Once Close has begun it
// reports false and fn never runs.
func (r *Recorder) background(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
	return true
}

// collect is the single consumer of the capture stream. It hands over the
// whole clip once the stream ends.
func (rec *recording) collect(speechLevel float64) {
	rec.clip <- audio.Drain(rec.stream, func(chunk []byte) {
		level := rms(chunk)
		rec.level.Store(math.Float64bits(level))
		if level >= speechLevel {
			rec.speech.Store(true)
		}
	})
}

// finish stops the device, which ends the stream, and returns the clip.
func (rec *recording) finish() ([]byte, time.Duration) {
	rec.capture.Stop()
	clip := <-rec.clip

	close(rec.done)
	rec.monitorWG.Wait()

	if n := rec.stream.Dropped(); n > 0 {
		log.Warnf("dropped %d audio chunks", n)
	}
	frames := len(clip) / 2
	return clip, time.Duration(float64(frames) / encoder.SampleRate * float64(time.Second))
}

func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(pcm[i:]))
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
	}
	return math.Sqrt(sumSquares / float64(n))
}
