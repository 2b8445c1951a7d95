package main

import (
	"errors"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"

	"nexus/beep"
	"nexus/log"
	"nexus/recorder"
)

// Recorder events delivered to the shell.
type (
	recStatusMsg    struct{ status recorder.Status }
	recStartMsg     struct{ device string }
	recTickMsg      struct{ secs float64 }
	audioLevelMsg   struct{ level float64 }
	noVoiceMsg      struct{}
	voiceClearedMsg struct{}
	autoStopMsg     struct{}
	transcriptMsg   struct{ text string }
	recErrorMsg     struct {
		err     error
		capture bool
	}
)

// programSink forwards recorder events to the running program and plays the
// audible cues. Events raised before the program is attached are dropped.
type programSink struct {
	program atomic.Pointer[tea.Program]
	cues    bool
}

func newProgramSink(cues bool) *programSink {
	return &programSink{cues: cues}
}

func (s *programSink) attach(p *tea.Program) { s.program.Store(p) }

func (s *programSink) send(msg tea.Msg) {
	if p := s.program.Load(); p != nil {
		p.Send(msg)
	}
}

func (s *programSink) cue(c beep.Cue) {
	if s.cues {
		beep.Play(c)
	}
}

func (s *programSink) StatusChanged(st recorder.Status) {
	if st == recorder.StatusTranscribing {
		s.cue(beep.CueStop)
	}
	s.send(recStatusMsg{status: st})
}

func (s *programSink) RecordingStart(device string) {
	s.cue(beep.CueStart)
	s.send(recStartMsg{device: device})
}

func (s *programSink) RecordingTick(d float64) { s.send(recTickMsg{secs: d}) }
func (s *programSink) AudioLevel(l float64)    { s.send(audioLevelMsg{level: l}) }

func (s *programSink) NoVoiceWarning() {
	s.cue(beep.CueWarning)
	s.send(noVoiceMsg{})
}

func (s *programSink) VoiceCleared()    { s.send(voiceClearedMsg{}) }
func (s *programSink) SilenceAutoStop() { s.send(autoStopMsg{}) }

func (s *programSink) Transcript(text string) { s.send(transcriptMsg{text: text}) }

func (s *programSink) CaptureError(err error) {
	log.Errorf("capture error: %v", err)
	s.cue(beep.CueError)
	s.send(recErrorMsg{err: err, capture: true})
}

func (s *programSink) TranscriptionError(err error) {
	if !errors.Is(err, recorder.ErrNoSpeech) {
		s.cue(beep.CueError)
	}
	s.send(recErrorMsg{err: err})
}
