package main

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"nexus/chat"
	"nexus/gate"
	"nexus/recorder"
	"nexus/research"
	"nexus/settings"
)

type stubBackend struct {
	mu      sync.Mutex
	replies []research.Reply
	starts  []string
	resumes []research.ResumeRequest
}

func (b *stubBackend) next() (research.Reply, error) {
	if len(b.replies) == 0 {
		return research.Reply{}, errors.New("no reply queued")
	}
	r := b.replies[0]
	b.replies = b.replies[1:]
	return r, nil
}

func (b *stubBackend) StartResearch(_ context.Context, topic string) (research.Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts = append(b.starts, topic)
	return b.next()
}

func (b *stubBackend) Resume(_ context.Context, req research.ResumeRequest) (research.Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resumes = append(b.resumes, req)
	return b.next()
}

func (b *stubBackend) Reset(context.Context) error { return nil }

type shellHarness struct {
	backend *stubBackend
	machine *chat.Machine
	store   *settings.MemStore
	m       model
}

func newShell(t *testing.T, replies ...research.Reply) *shellHarness {
	t.Helper()
	h := &shellHarness{
		backend: &stubBackend{replies: replies},
		store:   settings.NewMemStore(settings.Default()),
	}
	h.machine = chat.New(h.backend, gate.New(), 0)
	h.m = newModel(context.Background(), shellDeps{
		chat:     h.machine,
		settings: h.store,
		theme:    settings.ThemeDark,
		export:   func(context.Context, string) (string, error) { return "", errors.New("export not configured") },
		copy:     func(string) error { return nil },
	})
	h.send(tea.WindowSizeMsg{Width: 100, Height: 30})
	return h
}

// send applies msg and returns the command it produced, if any.
func (h *shellHarness) send(msg tea.Msg) tea.Cmd {
	next, cmd := h.m.Update(msg)
	h.m = next.(model)
	return cmd
}

// run executes cmd synchronously and feeds its message back.
func (h *shellHarness) run(cmd tea.Cmd) {
	if cmd == nil {
		return
	}
	h.send(cmd())
}

var ansiSeq = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

// plain drops terminal styling so assertions see the text.
func plain(s string) string {
	return ansiSeq.ReplaceAllString(s, "")
}

func (h *shellHarness) enter(text string) tea.Cmd {
	h.m.input.SetValue(text)
	return h.send(tea.KeyMsg{Type: tea.KeyEnter})
}

func TestSubmitTopic(t *testing.T) {
	h := newShell(t, research.Reply{BotMessage: "Plan ready", ApprovalRequired: true})

	cmd := h.enter("quantum batteries")
	if cmd == nil {
		t.Fatal("expected a command")
	}
	if h.m.input.Value() != "" {
		t.Errorf("input not cleared: %q", h.m.input.Value())
	}
	if h.m.inFlight != "submit" {
		t.Errorf("inFlight = %q", h.m.inFlight)
	}
	if !strings.Contains(plain(h.m.statusView()), "researching") {
		t.Errorf("status = %q, want spinner label", h.m.statusView())
	}

	h.run(cmd)

	if got := h.backend.starts; len(got) != 1 || got[0] != "quantum batteries" {
		t.Fatalf("starts = %v", got)
	}
	s := h.m.snap.Session
	if s.Stage != chat.StageFeedback || !s.ApprovalPending {
		t.Errorf("session = %+v", s)
	}
	if h.m.inFlight != "" {
		t.Error("inFlight not cleared")
	}
	view := plain(h.m.View())
	for _, want := range []string{"Plan ready", "awaiting approval", "ctrl+a"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestTypedYesApproves(t *testing.T) {
	h := newShell(t,
		research.Reply{BotMessage: "Plan ready", ApprovalRequired: true},
		research.Reply{Report: "Final text"},
	)
	h.run(h.enter("quantum batteries"))

	cmd := h.enter("Yes")
	if h.m.inFlight != "approve" {
		t.Fatalf("inFlight = %q, want approve", h.m.inFlight)
	}
	h.run(cmd)

	if len(h.backend.resumes) != 1 || !h.backend.resumes[0].Approved {
		t.Fatalf("resumes = %+v", h.backend.resumes)
	}
	s := h.m.snap.Session
	if s.Stage != chat.StageStart || s.FinalReport != "Final text" {
		t.Errorf("session = %+v", s)
	}
	if !strings.Contains(plain(h.m.helpView()), "export") {
		t.Error("export hint missing once a report exists")
	}
}

func TestTypedNoRejects(t *testing.T) {
	h := newShell(t, research.Reply{BotMessage: "Plan ready", ApprovalRequired: true})
	h.run(h.enter("quantum batteries"))

	h.run(h.enter("n"))

	s := h.m.snap.Session
	if s.Stage != chat.StageFeedback || s.ApprovalPending {
		t.Errorf("session = %+v", s)
	}
	if len(h.backend.resumes) != 0 {
		t.Errorf("reject reached the backend: %+v", h.backend.resumes)
	}
	msgs := h.m.snap.Messages
	if last := msgs[len(msgs)-1]; last.Text != chat.FeedbackPrompt {
		t.Errorf("last message = %q", last.Text)
	}
}

func TestYesWithoutPendingIsFeedback(t *testing.T) {
	h := newShell(t,
		research.Reply{BotMessage: "Plan ready", ApprovalRequired: false},
		research.Reply{BotMessage: "Revised plan", ApprovalRequired: true},
	)
	h.run(h.enter("quantum batteries"))
	h.run(h.enter("yes"))

	if len(h.backend.resumes) != 1 {
		t.Fatalf("resumes = %+v", h.backend.resumes)
	}
	req := h.backend.resumes[0]
	if req.Approved || req.Feedback != "\nyes" {
		t.Errorf("resume = %+v, want feedback", req)
	}
}

func TestFreeTextWhilePendingRestoresInput(t *testing.T) {
	h := newShell(t, research.Reply{BotMessage: "Plan ready", ApprovalRequired: true})
	h.run(h.enter("quantum batteries"))

	h.run(h.enter("more detail please"))

	if h.m.input.Value() != "more detail please" {
		t.Errorf("input = %q, want restored text", h.m.input.Value())
	}
	if h.m.statusKind != statusWarn || !strings.Contains(h.m.status, "approve") {
		t.Errorf("status = %q", h.m.status)
	}
}

func TestEmptySubmit(t *testing.T) {
	h := newShell(t)
	if cmd := h.enter("   "); cmd != nil {
		t.Fatal("empty input must not dispatch")
	}
	if !strings.Contains(h.m.status, "research topic") {
		t.Errorf("status = %q", h.m.status)
	}
}

func TestBusyRejectsIntents(t *testing.T) {
	h := newShell(t)
	h.m.inFlight = "submit"

	if cmd := h.enter("another topic"); cmd != nil {
		t.Fatal("dispatched while busy")
	}
	if h.m.input.Value() != "another topic" {
		t.Errorf("input = %q, want untouched", h.m.input.Value())
	}
	if cmd := h.send(tea.KeyMsg{Type: tea.KeyCtrlN}); cmd != nil {
		t.Fatal("reset dispatched while busy")
	}
	if !strings.Contains(h.m.status, "busy") {
		t.Errorf("status = %q", h.m.status)
	}
}

func TestApproveWithoutPlan(t *testing.T) {
	h := newShell(t)
	if cmd := h.send(tea.KeyMsg{Type: tea.KeyCtrlA}); cmd != nil {
		t.Fatal("approve dispatched without a plan")
	}
	if h.m.statusKind != statusWarn {
		t.Errorf("statusKind = %v", h.m.statusKind)
	}
}

func TestBackendFailureShowsInLog(t *testing.T) {
	h := newShell(t) // no replies queued: StartResearch fails
	h.run(h.enter("quantum batteries"))

	msgs := h.m.snap.Messages
	if last := msgs[len(msgs)-1]; last.Text != chat.ErrorReply {
		t.Errorf("last message = %q", last.Text)
	}
	if h.m.snap.Session.Stage != chat.StageStart || h.m.snap.Busy {
		t.Errorf("snapshot = %+v", h.m.snap.Session)
	}
	if h.m.statusKind == statusError {
		t.Errorf("conversation errors belong in the log, got status %q", h.m.status)
	}
}

func TestExportAndCopy(t *testing.T) {
	h := newShell(t,
		research.Reply{BotMessage: "Plan ready", ApprovalRequired: true},
		research.Reply{Report: "Final text"},
	)

	h.send(tea.KeyMsg{Type: tea.KeyCtrlE})
	if !strings.Contains(h.m.status, "no final report") {
		t.Fatalf("status = %q", h.m.status)
	}

	h.run(h.enter("quantum batteries"))
	h.run(h.send(tea.KeyMsg{Type: tea.KeyCtrlA}))

	var exported, copied string
	h.m.deps.export = func(_ context.Context, report string) (string, error) {
		exported = report
		return "/tmp/nexus-report.pdf", nil
	}
	h.m.deps.copy = func(text string) error {
		copied = text
		return nil
	}

	h.run(h.send(tea.KeyMsg{Type: tea.KeyCtrlE}))
	if exported != "Final text" || !strings.Contains(h.m.status, "/tmp/nexus-report.pdf") {
		t.Errorf("exported = %q, status = %q", exported, h.m.status)
	}
	h.run(h.send(tea.KeyMsg{Type: tea.KeyCtrlY}))
	if copied != "Final text" || h.m.statusKind != statusOK {
		t.Errorf("copied = %q, status = %q", copied, h.m.status)
	}

	h.m.deps.export = func(context.Context, string) (string, error) {
		return "", &research.Error{Kind: research.KindExport, Op: "generate_pdf", Status: 500}
	}
	h.run(h.send(tea.KeyMsg{Type: tea.KeyCtrlE}))
	if h.m.statusKind != statusError || !strings.Contains(h.m.status, "export failed") {
		t.Errorf("status = %q", h.m.status)
	}
	if h.m.snap.Session.FinalReport != "Final text" {
		t.Error("export failure touched the conversation")
	}
}

func TestThemeToggle(t *testing.T) {
	h := newShell(t)
	h.run(h.send(tea.KeyMsg{Type: tea.KeyCtrlL}))

	if h.m.st.name != settings.ThemeLight {
		t.Errorf("theme = %q", h.m.st.name)
	}
	st, _ := h.store.Load()
	if st.Theme != settings.ThemeLight {
		t.Errorf("saved theme = %q", st.Theme)
	}
}

func TestTranscriptReplacesInput(t *testing.T) {
	h := newShell(t)
	h.send(transcriptMsg{text: " quantum batteries "})
	if h.m.input.Value() != "quantum batteries" {
		t.Errorf("input = %q", h.m.input.Value())
	}
	h.send(transcriptMsg{text: "for grid storage"})
	if h.m.input.Value() != "for grid storage" {
		t.Errorf("input = %q", h.m.input.Value())
	}
	if len(h.backend.starts) != 0 {
		t.Error("transcript was submitted")
	}
}

func TestRecorderEvents(t *testing.T) {
	h := newShell(t)
	h.m.input.SetValue("draft")

	h.send(recStatusMsg{status: recorder.StatusRecording})
	h.send(recStartMsg{device: "USB Mic"})
	h.send(recTickMsg{secs: 2.5})
	h.send(noVoiceMsg{})
	view := plain(h.m.statusView())
	for _, want := range []string{"REC 2.5s", "USB Mic", "no voice"} {
		if !strings.Contains(view, want) {
			t.Errorf("status view missing %q: %q", want, view)
		}
	}

	h.send(recStatusMsg{status: recorder.StatusTranscribing})
	if !h.m.busy() {
		t.Error("transcribing should count as busy")
	}
	h.send(recStatusMsg{status: recorder.StatusIdle})
	h.send(recErrorMsg{err: errors.New("upload failed")})
	if h.m.statusKind != statusError || h.m.input.Value() != "draft" {
		t.Errorf("status = %q, input = %q", h.m.status, h.m.input.Value())
	}
	h.send(recErrorMsg{err: recorder.ErrNoSpeech})
	if h.m.statusKind != statusWarn {
		t.Errorf("no speech should warn, got %v", h.m.statusKind)
	}
}

func TestRecordUnavailable(t *testing.T) {
	h := newShell(t)
	h.m.deps.voiceErr = errors.New("no capture devices found")
	if cmd := h.send(tea.KeyMsg{Type: tea.KeyCtrlT}); cmd != nil {
		t.Fatal("toggle dispatched without a recorder")
	}
	if !strings.Contains(h.m.status, "no capture devices found") {
		t.Errorf("status = %q", h.m.status)
	}
}

type stubVoice struct{ err error }

func (v stubVoice) Toggle(context.Context) error { return v.err }
func (v stubVoice) Status() recorder.Status      { return recorder.StatusIdle }

func TestRecordToggleBusy(t *testing.T) {
	h := newShell(t)
	h.m.deps.voice = stubVoice{err: recorder.ErrBusy}
	h.run(h.send(tea.KeyMsg{Type: tea.KeyCtrlT}))
	if !strings.Contains(h.m.status, "busy") {
		t.Errorf("status = %q", h.m.status)
	}
}

func TestLevelBar(t *testing.T) {
	tests := []struct {
		level float64
		want  int
	}{
		{0, 1},
		{0.05, 3},
		{1, 8},
		{-1, 1},
	}
	for _, tt := range tests {
		if got := len([]rune(levelBar(tt.level))); got != tt.want {
			t.Errorf("levelBar(%v) has %d bars, want %d", tt.level, got, tt.want)
		}
	}
}
